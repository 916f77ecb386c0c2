// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aws/go-kafka-microbatch/microbatch"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type assignmentView struct {
	Topic           string    `json:"topic"`
	Partition       int32     `json:"partition"`
	Owner           string    `json:"owner"`
	State           string    `json:"state"`
	CommittedOffset int64     `json:"committed_offset"`
	AssignedAt      time.Time `json:"assigned_at"`
}

// newRouter serves /metrics from `gatherer`, /healthz, and /assignments when `assignments` is non-nil.
func newRouter(gatherer prometheus.Gatherer, assignments func() []microbatch.PartitionAssignment) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	if assignments != nil {
		r.Get("/assignments", func(w http.ResponseWriter, _ *http.Request) {
			owned := assignments()
			views := make([]assignmentView, 0, len(owned))
			for _, a := range owned {
				views = append(views, assignmentView{
					Topic:           a.TopicPartition.Topic,
					Partition:       a.TopicPartition.Partition,
					Owner:           a.OwnerInstanceId,
					State:           a.State.String(),
					CommittedOffset: a.CommittedOffset,
					AssignedAt:      a.AssignedAt,
				})
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(views)
		})
	}
	return r
}

// serveHttp runs the server until ctx is done. An empty address disables the server.
func serveHttp(ctx context.Context, address string, handler http.Handler) error {
	if address == "" {
		<-ctx.Done()
		return nil
	}
	server := &http.Server{
		Addr:              address,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()
	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
