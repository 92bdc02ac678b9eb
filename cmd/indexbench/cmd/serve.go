package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"
	"github.com/ssargent/concurrent-index/pkg/index"
	"github.com/ssargent/concurrent-index/pkg/metrics"
)

// serveCmd exposes a small debug HTTP surface over a freshly-built index:
// Prometheus metrics plus range-scan and insert endpoints, for interactively
// poking at a running index during development.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose /metrics and debug /debug/scan and /debug/insert endpoints over a freshly-built index",
	Run: func(cmd *cobra.Command, args []string) {
		backend, _ := cmd.Flags().GetString("backend")
		port, _ := cmd.Flags().GetInt("port")

		backendKind := index.BackendBPlusTree
		if backend == "art" {
			backendKind = index.BackendART
		}

		ix := index.New(backendKind, loadedConfig, 0)
		m := metrics.NewMetrics()

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
		}))

		r.Handle("/metrics", m.Handler())
		r.Get("/debug/scan", handleDebugScan(ix))
		r.Post("/debug/insert", handleDebugInsert(ix))

		addr := fmt.Sprintf(":%d", port)
		cmd.Printf("serving debug index endpoints on %s\n", addr)
		log.Fatal(http.ListenAndServe(addr, r))
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().IntP("port", "p", 9090, "Port to listen on")
}

type debugInsertRequest struct {
	Key   string `json:"key"`
	Value uint64 `json:"value"`
}

func handleDebugInsert(ix *index.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req debugInsertRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		s := ix.ThreadSetup()
		s.Enter()
		defer s.Leave()
		if !ix.Insert(s, []byte(req.Key), req.Value) {
			http.Error(w, "key already present", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDebugScan(ix *index.Index) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := r.URL.Query().Get("start")
		end := r.URL.Query().Get("end")
		if start == "" || end == "" {
			http.Error(w, "start and end query parameters are required", http.StatusBadRequest)
			return
		}
		s := ix.ThreadSetup()
		s.Enter()
		defer s.Leave()
		results := ix.ScanRange(s, []byte(start), []byte(end))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(results)
	}
}
