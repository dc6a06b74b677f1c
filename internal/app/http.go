package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"orchid/api/internal/auth"
	"orchid/api/internal/authpw"
	"orchid/api/internal/rbac"
	"orchid/api/internal/realtime"
	"orchid/api/internal/store"
)

// maxUploadBytes caps a deliverable file upload.
const maxUploadBytes = 25 << 20

type HTTPServer struct {
	service    *Service
	registry   *realtime.Registry
	corsOrigin string
}

func NewHTTPServer(service *Service, registry *realtime.Registry, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, registry: registry, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"ok":     false,
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": "ready"})
		return
	}

	// Auth routes need no session.
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signup" {
		s.handleSignUp(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/signin" {
		s.handleSignIn(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		session := Session{}
		if token := bearerToken(r); token != "" {
			if parsed, err := s.service.SessionFromToken(r.Context(), token); err == nil {
				session = parsed
			}
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		session, err := s.service.SessionFromToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userId":        session.UserID,
			"userName":      session.UserName,
			"role":          session.Role,
		})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	// GET /api/projects/{id}/ws upgrades to a websocket; the bearer
	// token may arrive as a query parameter since browsers cannot set
	// headers on a websocket handshake.
	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "projects" && parts[3] == "ws" {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		projectID := parts[2]
		if err := realtime.ServeWS(s.registry, projectID, w, r); err != nil {
			log.Printf("realtime: upgrade failed for project %s: %v", projectID, err)
		}
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		query := r.URL.Query()
		limit, err := intParam(query.Get("limit"), 20)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		offset, err := intParam(query.Get("offset"), 0)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "offset must be an integer", nil)
			return
		}
		payload, err := s.service.Search(r.Context(),
			strings.TrimSpace(query.Get("q")),
			strings.TrimSpace(query.Get("type")),
			strings.TrimSpace(query.Get("projectId")),
			limit, offset)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/users/field-officers" {
		if !s.service.Can(session.Role, rbac.ActionRead) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		items, err := s.service.ListFieldOfficers(r.Context())
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": items})
		return
	}

	if r.URL.Path == "/api/projects" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListProjects(r.Context())
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"projects": items})
		case http.MethodPost:
			var body struct {
				Name string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			project, err := s.service.CreateProject(r.Context(), session, body.Name)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, projectPayload(project))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "projects" {
		projectID := parts[2]
		switch r.Method {
		case http.MethodGet:
			graph, err := s.service.GetProjectGraph(r.Context(), session, projectID)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, graphPayload(graph))
		case http.MethodDelete:
			if err := s.service.DeleteProject(r.Context(), session, projectID); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "projects" && parts[3] == "summary" {
		summary, err := s.service.GetProjectSummary(r.Context(), session, parts[2])
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"totalTasks":     summary.TotalTasks,
			"completedTasks": summary.CompletedTasks,
			"overdueTasks":   summary.OverdueTasks,
		})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "projects" && parts[3] == "objectives" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		objective, err := s.service.CreateObjective(r.Context(), session, parts[2], body.Name)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": objective.ID, "projectId": objective.ProjectID, "name": objective.Name})
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "objectives" {
		objectiveID := parts[2]
		switch r.Method {
		case http.MethodPut:
			var body struct {
				Name string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			objective, err := s.service.RenameObjective(r.Context(), session, objectiveID, body.Name)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": objective.ID, "projectId": objective.ProjectID, "name": objective.Name})
		case http.MethodDelete:
			if err := s.service.DeleteObjective(r.Context(), session, objectiveID); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "objectives" && parts[3] == "activities" {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		activity, err := s.service.CreateActivity(r.Context(), session, parts[2], body.Name)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"id": activity.ID, "objectiveId": activity.ObjectiveID, "name": activity.Name})
		return
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "activities" {
		activityID := parts[2]
		switch r.Method {
		case http.MethodPut:
			var body struct {
				Name string `json:"name"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			activity, err := s.service.RenameActivity(r.Context(), session, activityID, body.Name)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": activity.ID, "objectiveId": activity.ObjectiveID, "name": activity.Name})
		case http.MethodDelete:
			if err := s.service.DeleteActivity(r.Context(), session, activityID); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "activities" {
		switch parts[3] {
		case "tasks":
			s.handleCreateTask(w, r, session, parts[2])
			return
		case "kpis":
			s.handleCreateKPI(w, r, session, parts[2])
			return
		case "budget":
			var body struct {
				TotalAmount float64 `json:"totalAmount"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			budget, err := s.service.CreateBudget(r.Context(), session, parts[2], body.TotalAmount)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, map[string]any{"id": budget.ID, "activityId": budget.ActivityID, "totalAmount": budget.TotalAmount})
			return
		}
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "tasks" {
		taskID := parts[2]
		switch r.Method {
		case http.MethodPatch, http.MethodPut:
			s.handleUpdateTask(w, r, session, taskID)
		case http.MethodDelete:
			if err := s.service.DeleteTask(r.Context(), session, taskID); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "tasks" {
		taskID := parts[2]
		switch parts[3] {
		case "toggle":
			task, err := s.service.ToggleTask(r.Context(), session, taskID)
			if err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, taskPayload(task))
			return
		case "deliverables":
			s.handleSubmitDeliverable(w, r, session, taskID)
			return
		}
	}

	if len(parts) == 3 && parts[0] == "api" && parts[1] == "kpis" {
		kpiID := parts[2]
		switch r.Method {
		case http.MethodPatch, http.MethodPut:
			s.handleUpdateKPI(w, r, session, kpiID)
		case http.MethodDelete:
			if err := s.service.DeleteKPI(r.Context(), session, kpiID); err != nil {
				s.respondError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "kpis" && parts[3] == "entries" {
		var body struct {
			Value float64 `json:"value"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		kpi, entry, err := s.service.RecordKPIEntry(r.Context(), session, parts[2], body.Value)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"kpi": kpiPayload(kpi),
			"entry": map[string]any{
				"id":              entry.ID,
				"value":           entry.Value,
				"cumulativeValue": entry.CumulativeValue,
				"recordedAt":      entry.RecordedAt,
			},
		})
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "budgets" && parts[3] == "expenses" {
		var body struct {
			Amount      float64 `json:"amount"`
			Description string  `json:"description"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		expense, err := s.service.RecordExpense(r.Context(), session, parts[2], body.Amount, body.Description)
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":          expense.ID,
			"budgetId":    expense.BudgetID,
			"amount":      expense.Amount,
			"description": expense.Description,
		})
		return
	}

	if s.routeInventory(w, r, session, parts) {
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCreateTask(w http.ResponseWriter, r *http.Request, session Session, activityID string) {
	var body struct {
		Description string  `json:"description"`
		StartDate   *string `json:"startDate"`
		EndDate     *string `json:"endDate"`
		AssigneeID  string  `json:"assigneeId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	input := CreateTaskInput{Description: body.Description, AssigneeID: body.AssigneeID}
	var err error
	if input.StartDate, err = parseDate(body.StartDate); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "startDate must be YYYY-MM-DD", nil)
		return
	}
	if input.EndDate, err = parseDate(body.EndDate); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "endDate must be YYYY-MM-DD", nil)
		return
	}
	task, err := s.service.CreateTask(r.Context(), session, activityID, input)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, taskPayload(task))
}

func (s *HTTPServer) handleUpdateTask(w http.ResponseWriter, r *http.Request, session Session, taskID string) {
	var body struct {
		Description *string `json:"description"`
		StartDate   *string `json:"startDate"`
		EndDate     *string `json:"endDate"`
		AssigneeID  *string `json:"assigneeId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	patch := store.TaskPatch{Description: body.Description, AssigneeID: body.AssigneeID}
	var err error
	if body.StartDate != nil {
		if patch.StartDate, err = parseDate(body.StartDate); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "startDate must be YYYY-MM-DD", nil)
			return
		}
	}
	if body.EndDate != nil {
		if patch.EndDate, err = parseDate(body.EndDate); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "endDate must be YYYY-MM-DD", nil)
			return
		}
	}
	task, err := s.service.UpdateTask(r.Context(), session, taskID, patch)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskPayload(task))
}

func (s *HTTPServer) handleCreateKPI(w http.ResponseWriter, r *http.Request, session Session, activityID string) {
	var body struct {
		Name        string  `json:"name"`
		Unit        string  `json:"unit"`
		TargetValue float64 `json:"targetValue"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	kpi, err := s.service.CreateKPI(r.Context(), session, activityID, CreateKPIInput{
		Name:        body.Name,
		Unit:        body.Unit,
		TargetValue: body.TargetValue,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, kpiPayload(kpi))
}

func (s *HTTPServer) handleUpdateKPI(w http.ResponseWriter, r *http.Request, session Session, kpiID string) {
	var body struct {
		Name        *string  `json:"name"`
		Unit        *string  `json:"unit"`
		TargetValue *float64 `json:"targetValue"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	kpi, err := s.service.UpdateKPI(r.Context(), session, kpiID, store.KPIPatch{
		Name:        body.Name,
		Unit:        body.Unit,
		TargetValue: body.TargetValue,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, kpiPayload(kpi))
}

// handleSubmitDeliverable accepts either a JSON body with text content
// or a multipart form carrying a file and optional text.
func (s *HTTPServer) handleSubmitDeliverable(w http.ResponseWriter, r *http.Request, session Session, taskID string) {
	input := SubmitDeliverableInput{}

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart form", nil)
			return
		}
		input.TextContent = r.FormValue("textContent")
		file, header, err := r.FormFile("file")
		if err == nil {
			defer file.Close()
			data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", "could not read uploaded file", nil)
				return
			}
			if len(data) > maxUploadBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Uploaded file exceeds the size limit", nil)
				return
			}
			input.Filename = header.Filename
			input.ContentType = header.Header.Get("Content-Type")
			input.FileData = data
		}
	} else {
		var body struct {
			TextContent string `json:"textContent"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		input.TextContent = body.TextContent
	}

	deliverable, err := s.service.SubmitDeliverable(r.Context(), session, taskID, input)
	if err != nil {
		s.respondError(w, err)
		return
	}
	payload := map[string]any{
		"id":          deliverable.ID,
		"taskId":      deliverable.TaskID,
		"submittedBy": deliverable.SubmittedBy,
		"createdAt":   deliverable.CreatedAt,
	}
	if deliverable.TextContent != nil {
		payload["textContent"] = *deliverable.TextContent
	}
	if deliverable.FileRef != nil {
		payload["fileRef"] = *deliverable.FileRef
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) routeInventory(w http.ResponseWriter, r *http.Request, session Session, parts []string) bool {
	if r.URL.Path == "/api/items" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListItems(r.Context(), session)
			if err != nil {
				s.respondError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": items})
		case http.MethodPost:
			var body struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			item, err := s.service.CreateItem(r.Context(), session, body.Name, body.Description)
			if err != nil {
				s.respondError(w, err)
				return true
			}
			writeJSON(w, http.StatusCreated, item)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	if r.Method == http.MethodDelete && len(parts) == 3 && parts[0] == "api" && parts[1] == "items" {
		if err := s.service.DeleteItem(r.Context(), session, parts[2]); err != nil {
			s.respondError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}

	if r.URL.Path == "/api/locations" {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListLocations(r.Context(), session)
			if err != nil {
				s.respondError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"locations": items})
		case http.MethodPost:
			var body struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			location, err := s.service.CreateLocation(r.Context(), session, body.Name, body.Description)
			if err != nil {
				s.respondError(w, err)
				return true
			}
			writeJSON(w, http.StatusCreated, location)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	if r.Method == http.MethodDelete && len(parts) == 3 && parts[0] == "api" && parts[1] == "locations" {
		if err := s.service.DeleteLocation(r.Context(), session, parts[2]); err != nil {
			s.respondError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return true
	}

	if r.URL.Path == "/api/stock" {
		switch r.Method {
		case http.MethodGet:
			levels, err := s.service.ListStockLevels(r.Context(), session)
			if err != nil {
				s.respondError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, map[string]any{"stockLevels": stockPayloads(levels)})
		case http.MethodPut:
			var body struct {
				ItemID            string `json:"itemId"`
				LocationID        string `json:"locationId"`
				Quantity          int    `json:"quantity"`
				LowStockThreshold int    `json:"lowStockThreshold"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			level, err := s.service.SetStockLevel(r.Context(), session, body.ItemID, body.LocationID, body.Quantity, body.LowStockThreshold)
			if err != nil {
				s.respondError(w, err)
				return true
			}
			writeJSON(w, http.StatusOK, stockPayload(level))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return true
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/stock/distribute" {
		var body struct {
			ItemID     string `json:"itemId"`
			LocationID string `json:"locationId"`
			Quantity   int    `json:"quantity"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		level, err := s.service.DistributeStock(r.Context(), session, body.ItemID, body.LocationID, body.Quantity)
		if err != nil {
			s.respondError(w, err)
			return true
		}
		writeJSON(w, http.StatusOK, stockPayload(level))
		return true
	}

	return false
}

func (s *HTTPServer) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Password    string `json:"password"`
		DisplayName string `json:"displayName"`
		Role        string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignUp(r.Context(), authpw.SignUpRequest{
		Email:       body.Email,
		Password:    body.Password,
		DisplayName: body.DisplayName,
		Role:        body.Role,
	})
	if err != nil {
		if errors.Is(err, authpw.ErrEmailTaken) {
			writeError(w, http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil)
			return
		}
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			writeError(w, domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleSignIn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.SignIn(r.Context(), body.Email, body.Password)
	if err != nil {
		if errors.Is(err, authpw.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
			return
		}
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) respondError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade take over the connection through
// the logging middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func parseDate(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	parsed, err := time.Parse("2006-01-02", strings.TrimSpace(*raw))
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":        project.ID,
		"name":      project.Name,
		"createdAt": project.CreatedAt,
	}
}

func taskPayload(task store.Task) map[string]any {
	payload := map[string]any{
		"id":          task.ID,
		"activityId":  task.ActivityID,
		"description": task.Description,
		"status":      task.Status,
	}
	if task.StartDate != nil {
		payload["startDate"] = task.StartDate.Format("2006-01-02")
	}
	if task.EndDate != nil {
		payload["endDate"] = task.EndDate.Format("2006-01-02")
	}
	if task.AssigneeID != nil {
		payload["assigneeId"] = *task.AssigneeID
	}
	return payload
}

func kpiPayload(kpi store.KPI) map[string]any {
	return map[string]any{
		"id":           kpi.ID,
		"activityId":   kpi.ActivityID,
		"name":         kpi.Name,
		"unit":         kpi.Unit,
		"currentValue": kpi.CurrentValue,
		"targetValue":  kpi.TargetValue,
	}
}

func stockPayload(level store.StockLevel) map[string]any {
	return map[string]any{
		"id":                level.ID,
		"itemId":            level.ItemID,
		"locationId":        level.LocationID,
		"quantity":          level.Quantity,
		"lowStockThreshold": level.LowStockThreshold,
	}
}

func stockPayloads(levels []store.StockLevel) []map[string]any {
	items := make([]map[string]any, 0, len(levels))
	for _, level := range levels {
		items = append(items, stockPayload(level))
	}
	return items
}

// graphPayload serializes the filtered hierarchy for the client.
func graphPayload(graph store.ProjectGraph) map[string]any {
	objectives := make([]map[string]any, 0, len(graph.Objectives))
	for _, objective := range graph.Objectives {
		activities := make([]map[string]any, 0, len(objective.Activities))
		for _, activity := range objective.Activities {
			tasks := make([]map[string]any, 0, len(activity.Tasks))
			for _, task := range activity.Tasks {
				item := taskPayload(task.Task)
				if task.Assignee != nil {
					item["assignee"] = map[string]any{
						"id":          task.Assignee.ID,
						"displayName": task.Assignee.DisplayName,
						"email":       task.Assignee.Email,
					}
				}
				deliverables := make([]map[string]any, 0, len(task.Deliverables))
				for _, deliverable := range task.Deliverables {
					entry := map[string]any{
						"id":          deliverable.ID,
						"submittedBy": deliverable.SubmittedBy,
						"createdAt":   deliverable.CreatedAt,
					}
					if deliverable.TextContent != nil {
						entry["textContent"] = *deliverable.TextContent
					}
					if deliverable.FileRef != nil {
						entry["fileRef"] = *deliverable.FileRef
					}
					deliverables = append(deliverables, entry)
				}
				item["deliverables"] = deliverables
				tasks = append(tasks, item)
			}

			kpis := make([]map[string]any, 0, len(activity.KPIs))
			for _, kpi := range activity.KPIs {
				item := kpiPayload(kpi.KPI)
				history := make([]map[string]any, 0, len(kpi.History))
				for _, entry := range kpi.History {
					history = append(history, map[string]any{
						"id":              entry.ID,
						"value":           entry.Value,
						"cumulativeValue": entry.CumulativeValue,
						"recordedAt":      entry.RecordedAt,
					})
				}
				item["history"] = history
				kpis = append(kpis, item)
			}

			node := map[string]any{
				"id":    activity.ID,
				"name":  activity.Name,
				"tasks": tasks,
				"kpis":  kpis,
			}
			if activity.Budget != nil {
				expenses := make([]map[string]any, 0, len(activity.Budget.Expenses))
				for _, expense := range activity.Budget.Expenses {
					expenses = append(expenses, map[string]any{
						"id":          expense.ID,
						"amount":      expense.Amount,
						"description": expense.Description,
						"createdAt":   expense.CreatedAt,
					})
				}
				node["budget"] = map[string]any{
					"id":          activity.Budget.ID,
					"totalAmount": activity.Budget.TotalAmount,
					"expenses":    expenses,
				}
			}
			activities = append(activities, node)
		}
		objectives = append(objectives, map[string]any{
			"id":         objective.ID,
			"name":       objective.Name,
			"activities": activities,
		})
	}
	return map[string]any{
		"id":         graph.ID,
		"name":       graph.Name,
		"createdAt":  graph.CreatedAt,
		"objectives": objectives,
	}
}
