package ddns

// The handler and error handling approach follows https://blog.questionable.services/article/http-handler-error-handling-revisited/

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AdminHandler returns the HTTP control surface of d:
//
//	GET  /ping          204 when the daemon is up
//	GET  /v1/status     daemon snapshot, optionally ?account=<name>
//	POST /v1/wakeup     re-check the WAN address
//	POST /v1/unfreeze   lift every account freeze
//	POST /v1/reload     reload the configuration and return the applied plan
//	GET  /metrics       Prometheus metrics
func AdminHandler(d *Daemon, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = discard
	}
	env := &adminEnv{daemon: d, decoder: schema.NewDecoder(), logger: logger}
	env.decoder.IgnoreUnknownKeys(true)

	router := mux.NewRouter().StrictSlash(false)
	router.Path("/ping").Methods("GET").Handler(adminHandler{env, ping})
	router.Path("/v1/status").Methods("GET").Handler(adminHandler{env, getStatus})
	router.Path("/v1/wakeup").Methods("POST").Handler(adminHandler{env, postWakeup})
	router.Path("/v1/unfreeze").Methods("POST").Handler(adminHandler{env, postUnfreeze})
	router.Path("/v1/reload").Methods("POST").Handler(adminHandler{env, postReload})
	router.Path("/metrics").Methods("GET").Handler(promhttp.Handler())
	return router
}

type adminEnv struct {
	daemon  *Daemon
	decoder *schema.Decoder
	logger  *log.Logger
}

// adminHandler pairs an environment with a handler that returns its error.
type adminHandler struct {
	env *adminEnv
	h   func(e *adminEnv, w http.ResponseWriter, r *http.Request) error
}

func (h adminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := h.h(h.env, w, r)
	if err == nil {
		return
	}
	switch e := err.(type) {
	case httpHandlerError:
		h.env.logger.Printf("admin: HTTP %d: %s", e.GetStatusCode(), e.Error())
		http.Error(w, e.GetPublicError(), e.GetStatusCode())
	default:
		h.env.logger.Printf("admin: %s %s: %s", r.Method, r.URL.Path, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// httpHandlerError is an error carrying a status code and a publicly viewable message.
type httpHandlerError interface {
	error
	GetStatusCode() int
	GetPublicError() string
}

type handlerError struct {
	StatusCode  int
	Err         error
	PublicError string
}

var _ httpHandlerError = handlerError{}

func (e handlerError) Error() string {
	if e.Err == nil {
		return e.GetPublicError()
	}
	return e.Err.Error()
}

func (e handlerError) Unwrap() error { return e.Err }

// GetStatusCode returns the error's HTTP status code, or 500 if none is set.
func (e handlerError) GetStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// GetPublicError returns the public message, or the status text for the error's code.
func (e handlerError) GetPublicError() string {
	if e.PublicError != "" {
		return e.PublicError
	}
	return http.StatusText(e.GetStatusCode())
}

func ping(e *adminEnv, w http.ResponseWriter, r *http.Request) error {
	w.WriteHeader(http.StatusNoContent)
	return nil
}

type statusQuery struct {
	Account string `schema:"account"`
}

func getStatus(e *adminEnv, w http.ResponseWriter, r *http.Request) error {
	var q statusQuery
	if err := e.decoder.Decode(&q, r.URL.Query()); err != nil {
		return handlerError{StatusCode: http.StatusBadRequest, Err: err, PublicError: "invalid query parameters"}
	}
	status := e.daemon.Status()
	if q.Account == "" {
		return writeJSON(w, http.StatusOK, status)
	}
	for _, a := range status.Accounts {
		if a.Name == q.Account {
			return writeJSON(w, http.StatusOK, a)
		}
	}
	return handlerError{
		StatusCode:  http.StatusNotFound,
		PublicError: fmt.Sprintf("account '%s' is not configured", q.Account),
	}
}

func postWakeup(e *adminEnv, w http.ResponseWriter, r *http.Request) error {
	e.daemon.Wakeup()
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func postUnfreeze(e *adminEnv, w http.ResponseWriter, r *http.Request) error {
	e.daemon.Unfreeze()
	w.WriteHeader(http.StatusAccepted)
	return nil
}

func postReload(e *adminEnv, w http.ResponseWriter, r *http.Request) error {
	plan, err := e.daemon.Reload(r.Context())
	if err != nil {
		return handlerError{
			StatusCode:  http.StatusUnprocessableEntity,
			Err:         err,
			PublicError: "reload failed: " + err.Error(),
		}
	}
	return writeJSON(w, http.StatusOK, plan)
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}
