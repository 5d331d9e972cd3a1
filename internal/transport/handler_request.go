package transport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pitabwire/complement/internal/approval"
	"github.com/pitabwire/complement/internal/visibility"
	"github.com/pitabwire/complement/model"
)

const maxBodyBytes = 1 << 20

// requestResponse is a Request as returned to callers, with its derived
// total value.
type requestResponse struct {
	model.Request
	TotalValue decimal.Decimal `json:"total_value"`
}

func toResponse(req model.Request) requestResponse {
	return requestResponse{Request: req, TotalValue: req.TotalValue()}
}

func toResponses(reqs []model.Request) []requestResponse {
	out := make([]requestResponse, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, toResponse(r))
	}
	return out
}

// actionBody is the body of reject and return actions.
type actionBody struct {
	ApproverID int64  `json:"approver_id"`
	Reason     string `json:"reason"`
}

func handleCreate(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())

		var in approval.CreateInput
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, err)
			return
		}
		if in.RequesterID == 0 {
			in.RequesterID = rctx.UserID
		}

		req, err := svc.Create(r.Context(), in)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, toResponse(req))
	}
}

func handleGet(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			WriteError(w, err)
			return
		}
		req, err := svc.Get(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toResponse(req))
	}
}

func handleEvents(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			WriteError(w, err)
			return
		}
		events, err := svc.Events(r.Context(), id)
		if err != nil {
			WriteError(w, err)
			return
		}
		if events == nil {
			events = []model.RequestEvent{}
		}
		WriteJSON(w, http.StatusOK, events)
	}
}

func handlePending(engine *visibility.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		reqs, err := engine.ListPending(r.Context(), rctx.Role, rctx.UserID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toResponses(reqs))
	}
}

func handleHistory(engine *visibility.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		reqs, err := engine.ListHistory(r.Context(), rctx.Role, rctx.UserID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toResponses(reqs))
	}
}

func handleByRequester(engine *visibility.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		requesterID, err := pathID(r, "requesterId")
		if err != nil {
			WriteError(w, err)
			return
		}
		if rctx.Role.Precedence() <= model.RoleRequester.Precedence() && requesterID != rctx.UserID {
			WriteForbidden(w, "requesters may only list their own requests")
			return
		}
		reqs, err := engine.ListByRequester(r.Context(), requesterID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toResponses(reqs))
	}
}

func handleCoordinatorApprove(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		id, err := pathID(r, "id")
		if err != nil {
			WriteError(w, err)
			return
		}
		var in approval.CoordinatorInput
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, err)
			return
		}
		if in.ApproverID == 0 {
			in.ApproverID = rctx.UserID
		}

		req, err := svc.CoordinatorAct(r.Context(), id, in)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toResponse(req))
	}
}

func handleCoordinatorReject(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, body, err := actionRequest(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		req, err := svc.CoordinatorReject(r.Context(), id, body.ApproverID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toResponse(req))
	}
}

func handleControllerApprove(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.MustRequestContext(r.Context())
		id, err := pathID(r, "id")
		if err != nil {
			WriteError(w, err)
			return
		}
		var in approval.ControllerInput
		if err := decodeBody(r, &in); err != nil {
			WriteError(w, err)
			return
		}
		if in.ApproverID == 0 {
			in.ApproverID = rctx.UserID
		}

		req, err := svc.ControllerApprove(r.Context(), id, in)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toResponse(req))
	}
}

func handleControllerReturn(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, body, err := actionRequest(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		req, err := svc.ControllerReturn(r.Context(), id, body.ApproverID, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toResponse(req))
	}
}

func handleReject(svc *approval.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, body, err := actionRequest(r)
		if err != nil {
			WriteError(w, err)
			return
		}
		req, err := svc.Reject(r.Context(), id, body.Reason)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, toResponse(req))
	}
}

// actionRequest reads the path id and an actionBody, defaulting the approver
// to the caller.
func actionRequest(r *http.Request) (int64, actionBody, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return 0, actionBody{}, err
	}
	var body actionBody
	if err := decodeBody(r, &body); err != nil {
		return 0, actionBody{}, err
	}
	if body.ApproverID == 0 {
		body.ApproverID = model.MustRequestContext(r.Context()).UserID
	}
	return id, body, nil
}

// decodeBody decodes a JSON body into dst. An empty body leaves dst unchanged.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func pathID(r *http.Request, param string) (int64, error) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, model.NewBadRequestError("invalid " + param + " " + strconv.Quote(raw))
	}
	return id, nil
}
