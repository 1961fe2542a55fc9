// Package server exposes the collaborative-document API: document creation
// and reads over HTTP, and live editing sessions over WebSocket.
package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FantRS/co-write/ingest"
	"github.com/FantRS/co-write/rooms"
	"github.com/FantRS/co-write/store"
)

// DocumentStore is the slice of the store the API surface reads and writes.
type DocumentStore interface {
	CreateDocument(ctx context.Context, title string, snapshot []byte) (uuid.UUID, error)
	ReadSnapshot(ctx context.Context, docID uuid.UUID) ([]byte, error)
	ReadTitle(ctx context.Context, docID uuid.UUID) (string, error)
	ListChanges(ctx context.Context, docID uuid.UUID) ([]store.ChangeRecord, error)
}

// MergeStarter starts a document's merge task when its room comes alive.
type MergeStarter interface {
	Ensure(docID uuid.UUID)
}

// APIArgs collects the services the API handlers close over.
type APIArgs struct {
	Store  DocumentStore
	Ingest *ingest.Service
	Rooms  *rooms.Registry
	Merges MergeStarter
}

// Titles are immutable once created, so a small LRU in front of ReadTitle
// spares the database a query per lookup.
const titleCacheSize = 256

// RegisterAPIs registers all document APIs with the router.
func RegisterAPIs(router *mux.Router, args APIArgs) {
	var titles, err = lru.New[uuid.UUID, string](titleCacheSize)
	if err != nil {
		panic(err) // Cache size is a positive constant.
	}
	var docs = &documentsAPI{args: args, titles: titles}

	router.Use(corsMiddleware)

	router.
		Path("/api/create").
		Methods("POST").
		HandlerFunc(docs.serveCreate)
	router.
		Path("/api/documents/{id}").
		Methods("GET").
		HandlerFunc(docs.serveSnapshot)
	router.
		Path("/api/documents/{id}/title").
		Methods("GET").
		HandlerFunc(docs.serveTitle)
	router.
		Path("/api/ws/{id}").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) { serveSession(args, w, r) })
	router.
		Path("/metrics").
		Methods("GET").
		Handler(promhttp.Handler())
	router.
		PathPrefix("/").
		Methods("OPTIONS").
		HandlerFunc(servePreflight)
}

// corsMiddleware allows any origin, matching the browser clients the
// service fronts.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func servePreflight(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}
