package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/chinmina/wechat-bridge/internal/audit"
	"github.com/chinmina/wechat-bridge/internal/jssdk"
	"github.com/chinmina/wechat-bridge/internal/jwt"
	"github.com/chinmina/wechat-bridge/internal/ticket"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// TokenService vends and refreshes access tokens.
type TokenService interface {
	GetAccessToken(ctx context.Context, appID string) (string, error)
	RefreshAccessToken(ctx context.Context, appID string) error
}

// TicketService vends tickets of a single kind.
type TicketService interface {
	GetTicket(ctx context.Context, appID string) (string, error)
	Refresh(ctx context.Context, appID string) error
}

// PageSigner signs JS-SDK page configuration.
type PageSigner interface {
	Sign(ctx context.Context, appID, pageURL string) (jssdk.Config, error)
	ConfigScript(ctx context.Context, appID, pageURL string, apis []string, debug bool) (string, error)
}

// AppForbiddenError is returned when the caller's token does not cover the
// requested app.
type AppForbiddenError struct {
	AppID string
}

func (e AppForbiddenError) Error() string {
	return fmt.Sprintf("caller is not allowed to access app %q", e.AppID)
}

func (e AppForbiddenError) Status() (int, string) {
	return http.StatusForbidden, http.StatusText(http.StatusForbidden)
}

// UnknownTicketKindError is returned for a ticket kind the bridge does not
// serve.
type UnknownTicketKindError struct {
	Kind string
}

func (e UnknownTicketKindError) Error() string {
	return fmt.Sprintf("ticket kind %q is not served", e.Kind)
}

func (e UnknownTicketKindError) Status() (int, string) {
	return http.StatusNotFound, fmt.Sprintf("unknown ticket kind %q", e.Kind)
}

// TokenResponse is the body returned for an access token request.
type TokenResponse struct {
	AppID       string `json:"appId"`
	AccessToken string `json:"accessToken"`
}

// TicketResponse is the body returned for a ticket request.
type TicketResponse struct {
	AppID  string `json:"appId"`
	Kind   string `json:"kind"`
	Ticket string `json:"ticket"`
}

// authorizedApp reads the app ID from the path and checks that the caller's
// claims allow it. The entry is annotated with the app and credential kind.
func authorizedApp(r *http.Request, kind string) (string, error) {
	appID := r.PathValue("appID")

	entry := audit.Log(r.Context())
	entry.AppID = appID
	entry.CredentialKind = kind

	if !jwt.AppAllowed(r.Context(), appID) {
		return "", AppForbiddenError{AppID: appID}
	}

	return appID, nil
}

func handleGetToken(tokens TokenService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		appID, err := authorizedApp(r, "access_token")
		if err != nil {
			failRequest(w, r, err)
			return
		}

		accessToken, err := tokens.GetAccessToken(r.Context(), appID)
		if err != nil {
			failRequest(w, r, err)
			return
		}

		writeJSON(w, TokenResponse{AppID: appID, AccessToken: accessToken})
	})
}

func handleRefreshToken(tokens TokenService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		appID, err := authorizedApp(r, "access_token")
		if err != nil {
			failRequest(w, r, err)
			return
		}

		if err := tokens.RefreshAccessToken(r.Context(), appID); err != nil {
			failRequest(w, r, err)
			return
		}

		audit.Log(r.Context()).Refreshed = true
		w.WriteHeader(http.StatusNoContent)
	})
}

// ticketService resolves the {kind} path value to one of the configured
// ticket providers.
func ticketService(r *http.Request, tickets map[ticket.Kind]TicketService) (TicketService, ticket.Kind, error) {
	raw := r.PathValue("kind")

	kind, err := ticket.ParseKind(raw)
	if err != nil {
		return nil, "", UnknownTicketKindError{Kind: raw}
	}

	svc, ok := tickets[kind]
	if !ok {
		return nil, "", UnknownTicketKindError{Kind: raw}
	}

	return svc, kind, nil
}

func handleGetTicket(tickets map[ticket.Kind]TicketService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		appID, err := authorizedApp(r, r.PathValue("kind")+"_ticket")
		if err != nil {
			failRequest(w, r, err)
			return
		}

		svc, kind, err := ticketService(r, tickets)
		if err != nil {
			failRequest(w, r, err)
			return
		}

		value, err := svc.GetTicket(r.Context(), appID)
		if err != nil {
			failRequest(w, r, err)
			return
		}

		writeJSON(w, TicketResponse{AppID: appID, Kind: string(kind), Ticket: value})
	})
}

func handleRefreshTicket(tickets map[ticket.Kind]TicketService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		appID, err := authorizedApp(r, r.PathValue("kind")+"_ticket")
		if err != nil {
			failRequest(w, r, err)
			return
		}

		svc, _, err := ticketService(r, tickets)
		if err != nil {
			failRequest(w, r, err)
			return
		}

		if err := svc.Refresh(r.Context(), appID); err != nil {
			failRequest(w, r, err)
			return
		}

		audit.Log(r.Context()).Refreshed = true
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleGetJSSDK signs the page in the url query parameter. With
// format=script the wx.config call is returned as JavaScript, using the
// comma separated apis parameter and debug=true when given.
func handleGetJSSDK(signer PageSigner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		appID, err := authorizedApp(r, "jssdk_signature")
		if err != nil {
			failRequest(w, r, err)
			return
		}

		query := r.URL.Query()
		pageURL := query.Get("url")
		audit.Log(r.Context()).PageURL = pageURL

		if query.Get("format") != "script" {
			cfg, err := signer.Sign(r.Context(), appID, pageURL)
			if err != nil {
				failRequest(w, r, err)
				return
			}

			writeJSON(w, cfg)
			return
		}

		var apis []string
		if list := query.Get("apis"); list != "" {
			apis = strings.Split(list, ",")
		}

		script, err := signer.ConfigScript(r.Context(), appID, pageURL, apis, query.Get("debug") == "true")
		if err != nil {
			failRequest(w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-store")
		if _, err := io.WriteString(w, script); err != nil {
			log.Ctx(r.Context()).Info().Err(err).Msg("failed to write response")
		}
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// failRequest records err in the audit log and writes the matching JSON error
// response.
func failRequest(w http.ResponseWriter, r *http.Request, err error) {
	status, message := errorStatus(err)

	audit.Log(r.Context()).Error = err.Error()
	log.Ctx(r.Context()).Info().Err(err).Int("status", status).Msg("credential request failed")

	writeJSONError(w, status, message)
}

func writeJSON(w http.ResponseWriter, body any) {
	marshalledResponse, err := json.Marshal(body)
	if err != nil {
		requestError(w, http.StatusInternalServerError)
		return
	}

	// credentials must never be stored by intermediaries
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_, err = w.Write(marshalledResponse)
	if err != nil {
		// record failure to log: trying to respond to the client at this
		// point will likely fail
		log.Info().Msgf("failed to write response: %v\n", err)
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
