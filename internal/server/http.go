package server

import (
	"CustodyBank/internal/ingestion"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type route struct {
	method   string
	pattern  string
	endpoint string
	handle   func(r *http.Request, params map[string]string) (interface{}, error)
}

func (s *GRPCServer) routes() []route {
	return []route{
		{"POST", "/v1/transactions", "SubmitTransaction", s.httpSubmit},
		{"GET", "/v1/transactions/{tx_id}", "GetInvocation", func(r *http.Request, p map[string]string) (interface{}, error) {
			return s.bank.GetInvocation(r.Context(), &GetInvocationRequest{TxID: p["tx_id"]})
		}},
		{"GET", "/v1/accounts/{address}", "GetAccount", func(r *http.Request, p map[string]string) (interface{}, error) {
			return s.bank.GetAccount(r.Context(), &GetAccountRequest{Address: p["address"]})
		}},
		{"GET", "/v1/accounts/{address}/journals", "ListJournals", s.httpListJournals},
		{"GET", "/v1/custody/authority", "GetCustodyAuthority", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return s.bank.GetCustodyAuthority(r.Context(), &GetCustodyAuthorityRequest{})
		}},
		{"GET", "/v1/admin/integrity", "VerifyIntegrity", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return s.bank.VerifyIntegrity(r.Context(), &VerifyIntegrityRequest{})
		}},
		{"POST", "/v1/admin/snapshots", "TakeSnapshot", func(r *http.Request, _ map[string]string) (interface{}, error) {
			return s.bank.TakeSnapshot(r.Context(), &TakeSnapshotRequest{})
		}},
	}
}

// Handler returns the HTTP/JSON API with /healthz and /readyz. The routes
// call the service in process rather than proxying to the gRPC port.
func (s *GRPCServer) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	for _, rt := range s.routes() {
		if err := mux.HandlePath(rt.method, rt.pattern, s.wrap(rt)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

func (s *GRPCServer) wrap(rt route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		resp, err := rt.handle(r, params)
		s.observe(rt.endpoint, start, err)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *GRPCServer) httpSubmit(r *http.Request, _ map[string]string) (interface{}, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, ingestion.MaxMessageSize+1))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	if len(body) > ingestion.MaxMessageSize {
		return nil, errBodyTooLarge
	}
	return s.bank.submit(r.Context(), body, "http")
}

func (s *GRPCServer) httpListJournals(r *http.Request, p map[string]string) (interface{}, error) {
	req := &ListJournalsRequest{Address: p["address"]}
	q := r.URL.Query()
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid page_size %q", v)
		}
		req.PageSize = int32(n)
	}
	if v := q.Get("before_sequence"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid before_sequence %q", v)
		}
		req.BeforeSequence = n
	}
	return s.bank.ListJournals(r.Context(), req)
}

var errBodyTooLarge = errors.New("request body too large")

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Code: codes.InvalidArgument.String(), Message: err.Error()})
		return
	}
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
