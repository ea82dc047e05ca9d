package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openclaw/clawdeck/internal/model"
	"github.com/openclaw/clawdeck/internal/service"
)

type instanceResponse struct {
	*model.Instance
	TaskID string `json:"task_id,omitempty"`
}

// CreateInstance accepts the instance settings and starts async
// provisioning. The response carries the task id for polling.
func (h *Handler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req service.CreateInstanceRequest
	if err := h.DecodeJSON(r, &req); err != nil {
		h.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.instances.Create(r.Context(), userID, req)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusAccepted, instanceResponse{Instance: result.Instance, TaskID: result.TaskID})
}

// ListInstances returns the caller's instances.
func (h *Handler) ListInstances(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	instances, err := h.instances.List(r.Context(), userID)
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]interface{}{"instances": instances})
}

// GetInstance returns one instance.
func (h *Handler) GetInstance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	instance, err := h.instances.Get(r.Context(), userID, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, instance)
}

// DeleteInstance soft-deletes an instance.
func (h *Handler) DeleteInstance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if err := h.instances.Delete(r.Context(), userID, chi.URLParam(r, "instanceID")); err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// StartInstance resumes a stopped instance.
func (h *Handler) StartInstance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	instance, err := h.instances.Start(r.Context(), userID, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, instance)
}

// StopInstance halts a running instance.
func (h *Handler) StopInstance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	instance, err := h.instances.Stop(r.Context(), userID, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, instance)
}

// RetryInstance re-runs provisioning for a failed instance.
func (h *Handler) RetryInstance(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	result, err := h.instances.Retry(r.Context(), userID, chi.URLParam(r, "instanceID"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusAccepted, instanceResponse{Instance: result.Instance, TaskID: result.TaskID})
}

// GetTask reports the status of a provisioning or teardown task.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	job, err := h.instances.ProvisionTask(r.Context(), userID, chi.URLParam(r, "taskID"))
	if err != nil {
		h.ServiceError(w, err)
		return
	}
	h.JSON(w, http.StatusOK, job)
}
