package runstore

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
)

func jsonResponse(w http.ResponseWriter, x any) {
	bytes, err := json.Marshal(x)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(bytes)
}

// Handler serves GET /runs and GET /runs/{id}.
func (s *Store) Handler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		runs, err := s.List()
		if err != nil {
			log.Printf("http=list err=%v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, runs)
	}).Methods("GET")

	router.HandleFunc("/runs/{run_id}", func(w http.ResponseWriter, r *http.Request) {
		run, err := s.Get(mux.Vars(r)["run_id"])
		if errors.Is(err, ErrNotFound) {
			http.Error(w, "no such run", http.StatusNotFound)
			return
		} else if err != nil {
			log.Printf("http=get err=%v", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		jsonResponse(w, run)
	}).Methods("GET")

	return router
}
