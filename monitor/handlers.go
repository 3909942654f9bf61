package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tarancss/chainwatch/lib/auth"
	"github.com/tarancss/chainwatch/lib/event"
	"github.com/tarancss/chainwatch/lib/limits"
	"github.com/tarancss/chainwatch/lib/util"
	"github.com/tarancss/chainwatch/stream"
)

// validActions enumerates the actions accepted by the action endpoint, replied on unknown-action errors.
var validActions = []string{"authenticate", "subscribe", "unsubscribe", "status"}

// validEventTypes enumerates the subscription filters a client may request.
var validEventTypes = []string{event.KindBlock, event.KindTransaction, event.KindAccountChange, event.KindAll}

// Errors returned to client requests.
var (
	ErrBadRequest   = errors.New("Invalid request format")
	ErrBadJSON      = errors.New("Invalid JSON format")
	ErrBadEventType = errors.New("invalid or empty eventTypes")
	ErrBlocked      = errors.New("client blocked")
	ErrRateLimited  = errors.New("rate limit exceeded")
	ErrUnauthorized = errors.New("authentication required or token invalid")
)

// ActionReq is the envelope decoded from the action endpoint body.
type ActionReq struct {
	Action     string   `json:"action"`
	ClientID   string   `json:"clientId"`
	EventTypes []string `json:"eventTypes,omitempty"`
	AuthToken  string   `json:"authToken,omitempty"`
}

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body,omitempty"`
	Error string `json:"error,omitempty"`
}

// rateMeta is the back-off metadata carried by every rate-limited response.
type rateMeta struct {
	RemainingTokens int    `json:"remainingTokens"`
	RetryAfter      int64  `json:"retryAfter"` // seconds
	ResetTime       string `json:"resetTime"`  // RFC3339
}

func meta(res limits.Result) rateMeta {
	return rateMeta{
		RemainingTokens: res.Remaining,
		RetryAfter:      int64(res.RetryAfter.Seconds()),
		ResetTime:       res.Reset.Format("2006-01-02T15:04:05Z07:00"),
	}
}

// homeHandler just replies a welcome message to the client.
func (m *Monitor) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response
	// log request
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)
	// just reply a welcome message
	res.Body = "Hello, this is your ledger event monitor!"
	// reply
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(res)
}

// actionHandler dispatches the action envelope: authenticate, subscribe, unsubscribe or status. Every failure is a
// structured rejection with an HTTP status, never a crash.
func (m *Monitor) actionHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var status int = http.StatusOK

	var res Response

	var req ActionReq

	defer func() {
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)
		}

		// log request and outcome
		log.Printf("httpreq from %v %s action:%s client:%s status:%d err:%e\n", r.RemoteAddr, r.RequestURI,
			req.Action, req.ClientID, status, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		rw.WriteHeader(status)
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	if decErr := json.NewDecoder(r.Body).Decode(&req); decErr != nil {
		status, err = http.StatusBadRequest, ErrBadJSON

		return
	}

	if req.Action != "status" && req.ClientID == "" {
		status, err = http.StatusBadRequest, ErrBadRequest

		return
	}

	// blocked clients are rejected for every action except authenticate, so a blocked client can still earn a
	// fresh token once the block window elapses
	if req.Action != "authenticate" && req.ClientID != "" && m.mgr.IsBlocked(req.ClientID) {
		status, err = http.StatusForbidden, ErrBlocked

		return
	}

	switch req.Action {
	case "authenticate":
		status, res, err = m.doAuthenticate(req)
	case "subscribe":
		status, res, err = m.doSubscribe(req)
	case "unsubscribe":
		m.mgr.RemoveClient(req.ClientID)
		res.Body = `{"message":"Unsubscribed from events"}`
	case "status":
		tmp, _ := json.Marshal(m.mgr.Status())
		res.Body = string(tmp)
	default:
		status = http.StatusBadRequest
		err = fmt.Errorf("unknown action %q, valid actions: %s", req.Action, strings.Join(validActions, ", "))
	}
}

// authBody is the success payload of the authenticate action.
type authBody struct {
	AuthToken  string                           `json:"authToken"`
	ExpiresIn  int64                            `json:"expiresIn"` // seconds
	RateLimits map[string]limits.CategoryConfig `json:"rateLimits"`
}

func (m *Monitor) doAuthenticate(req ActionReq) (int, Response, error) {
	var res Response

	if rl := m.mgr.CheckRate(req.ClientID, limits.CatAuth); !rl.Allowed {
		tmp, _ := json.Marshal(meta(rl))
		res.Body = string(tmp)

		return http.StatusTooManyRequests, res, ErrRateLimited
	}

	token, validity := m.mgr.Authenticate(req.ClientID)

	tmp, _ := json.Marshal(authBody{
		AuthToken:  token,
		ExpiresIn:  int64(validity.Seconds()),
		RateLimits: m.mgr.RateMeta(),
	})
	res.Body = string(tmp)

	return http.StatusOK, res, nil
}

func (m *Monitor) doSubscribe(req ActionReq) (int, Response, error) {
	var res Response

	if rl := m.mgr.CheckRate(req.ClientID, limits.CatGeneral); !rl.Allowed {
		tmp, _ := json.Marshal(meta(rl))
		res.Body = string(tmp)

		return http.StatusTooManyRequests, res, ErrRateLimited
	}

	if len(req.EventTypes) == 0 {
		return http.StatusBadRequest, res, ErrBadEventType
	}

	for _, t := range req.EventTypes {
		if !util.In(validEventTypes, t) {
			return http.StatusBadRequest, res, ErrBadEventType
		}
	}

	if err := m.mgr.Subscribe(req.ClientID, req.EventTypes, req.AuthToken); err != nil {
		// on any auth failure the caller must re-authenticate
		if errors.Is(err, stream.ErrUnknownClient) || errors.Is(err, stream.ErrNotAuthenticated) ||
			errors.Is(err, auth.ErrTokenNotFound) || errors.Is(err, auth.ErrTokenExpired) ||
			errors.Is(err, auth.ErrTokenMismatch) {
			return http.StatusUnauthorized, res, ErrUnauthorized
		}

		return http.StatusBadRequest, res, err
	}

	res.Body = `{"message":"Subscribed to events"}`

	return http.StatusOK, res, nil
}

// pollHandler drains the client's polling queue, replying the events delivered since the last drain.
func (m *Monitor) pollHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var status int = http.StatusOK

	var evs []event.Event

	var res Response

	defer func() {
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)
		} else {
			tmp, _ := json.Marshal(evs)
			res.Body = string(tmp)
		}

		log.Printf("httpreq from %v %s events:%d err:%e\n", r.RemoteAddr, r.RequestURI, len(evs), err)
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		rw.WriteHeader(status)
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	clientID := mux.Vars(r)["client"]

	if m.mgr.IsBlocked(clientID) {
		status, err = http.StatusForbidden, ErrBlocked

		return
	}

	s, ok := m.mgr.Session(clientID)
	if !ok || !s.Authenticated {
		status, err = http.StatusUnauthorized, ErrUnauthorized

		return
	}

	evs = m.poll.Drain(clientID)
}
