// Package httpadmin exposes a small read-only diagnostic HTTP surface
// over a Facade: liveness, aggregate stats, and key listing. It is
// glue for operators, never imported by the core content-addressing
// or storage packages, and never offers a write path.
package httpadmin

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/tiralib/tirastore/internal/store"
)

// Source is the read-only subset of Facade this package depends on,
// kept narrow so admin wiring never tempts a write path in here.
type Source interface {
	Count() (int, error)
	ProgramCount() (int, error)
	Stats() (*store.Stats, error)
	Keys(limit, offset int) ([]string, error)
	WritesAllowed() bool
}

// NewRouter builds a gorilla/mux router serving /healthz, /stats, and
// /keys against src.
func NewRouter(src Source) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthzHandler(src)).Methods(http.MethodGet)
	r.HandleFunc("/stats", statsHandler(src)).Methods(http.MethodGet)
	r.HandleFunc("/keys", keysHandler(src)).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func healthzHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":             true,
			"writes_allowed": src.WritesAllowed(),
		})
	}
}

func statsHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := src.Stats()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		programCount, err := src.ProgramCount()
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total_records":    st.TotalRecords,
			"legal_records":    st.LegalRecords,
			"illegal_records":  st.IllegalRecords,
			"total_programs":   programCount,
			"users":            st.Users,
			"source_projects":  st.SourceProjects,
			"cpu_model":        st.CPUModel,
			"slurm_cpus":       st.SlurmCPUs,
		})
	}
}

func keysHandler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", 0)
		offset := queryInt(r, "offset", 0)
		keys, err := src.Keys(limit, offset)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
