package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
	log "github.com/sirupsen/logrus"

	"github.com/FantRS/co-write/apperr"
	"github.com/FantRS/co-write/codec"
)

type documentsAPI struct {
	args   APIArgs
	titles *lru.Cache[uuid.UUID, string]
}

// serveCreate makes a new document from a text/plain title, storing the
// codec's empty snapshot as its initial content.
func (api *documentsAPI) serveCreate(w http.ResponseWriter, r *http.Request) {
	var body, err = io.ReadAll(r.Body)
	if err != nil {
		apperr.WriteHTTP(w, apperr.BadRequest("reading request body: %v", err))
		return
	}
	var title = strings.TrimSpace(string(body))
	if title == "" {
		apperr.WriteHTTP(w, apperr.BadRequest("document title must not be empty"))
		return
	}

	id, err := api.args.Store.CreateDocument(r.Context(), title, codec.EmptySnapshot())
	if err != nil {
		log.WithFields(log.Fields{"err": err, "url": r.URL.String(), "client": r.RemoteAddr}).
			Warn("failed to create document")
		apperr.WriteHTTP(w, err)
		return
	}
	api.titles.Add(id, title)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusCreated)
	io.WriteString(w, id.String())
}

// serveSnapshot returns the document's current snapshot bytes.
func (api *documentsAPI) serveSnapshot(w http.ResponseWriter, r *http.Request) {
	var docID, err = parseDocID(r)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	snapshot, err := api.args.Store.ReadSnapshot(r.Context(), docID)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(snapshot)
}

// serveTitle returns the document's title.
func (api *documentsAPI) serveTitle(w http.ResponseWriter, r *http.Request) {
	var docID, err = parseDocID(r)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	var title, ok = api.titles.Get(docID)
	if !ok {
		if title, err = api.args.Store.ReadTitle(r.Context(), docID); err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
		api.titles.Add(docID, title)
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, title)
}

func parseDocID(r *http.Request) (uuid.UUID, error) {
	var raw = mux.Vars(r)["id"]
	var id, err = uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, apperr.BadRequest("malformed document id %q", raw)
	}
	return id, nil
}
