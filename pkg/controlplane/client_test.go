/*
Copyright 2025 The Aibrix Team.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/gorilla/mux"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/retry"
	"github.com/vllm-project/poolscaler/pkg/controller/poolscaler/types"
)

const testToken = "s3cret"

// fakeControlPlane serves the control plane API from memory.
type fakeControlPlane struct {
	mu         sync.Mutex
	pools      map[string]Pool
	denied     map[string]bool
	conflict   map[string]bool
	failures   int
	operations []Operation
	submitted  []capacityRequest
	queries    [][]string
	requestIDs []string
}

func newFakeControlPlane() *fakeControlPlane {
	return &fakeControlPlane{
		pools:    map[string]Pool{},
		denied:   map[string]bool{},
		conflict: map[string]bool{},
	}
}

func (f *fakeControlPlane) router() http.Handler {
	r := mux.NewRouter()
	r.Use(f.authenticate)
	r.HandleFunc("/v1/pools/{pool}", f.getPool).Methods(http.MethodGet)
	r.HandleFunc("/v1/pools/{pool}/capacity", f.setCapacity).Methods(http.MethodPut)
	r.HandleFunc("/v1/operations", f.listOperations).Methods(http.MethodGet)
	return r
}

func (f *fakeControlPlane) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		f.mu.Lock()
		f.requestIDs = append(f.requestIDs, r.Header.Get(requestIDHeader))
		f.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (f *fakeControlPlane) getPool(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := mux.Vars(r)["pool"]
	if f.denied[name] {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	pool, ok := f.pools[name]
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	_ = json.NewEncoder(w).Encode(pool)
}

func (f *fakeControlPlane) setCapacity(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	name := mux.Vars(r)["pool"]
	if f.conflict[name] {
		http.Error(w, "replication catch-up in progress", http.StatusConflict)
		return
	}
	var req capacityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.submitted = append(f.submitted, req)
	w.WriteHeader(http.StatusAccepted)
}

func (f *fakeControlPlane) listOperations(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, r.URL.Query()["pool"])
	_ = json.NewEncoder(w).Encode(operationList{Operations: f.operations})
}

var _ = Describe("Client", func() {
	var (
		ctx       context.Context
		fake      *fakeControlPlane
		server    *httptest.Server
		client    *Client
		fakeClock *testingclock.FakeClock
		now       time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		fakeClock = testingclock.NewFakeClock(now)
		fake = newFakeControlPlane()
		server = httptest.NewServer(fake.router())

		var err error
		client, err = NewClient(Options{
			Endpoint:    server.URL,
			Credentials: Credentials{Token: testToken},
			QPS:         1000,
			Burst:       1000,
			Clock:       fakeClock,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("NewClient", func() {
		It("requires an endpoint", func() {
			_, err := NewClient(Options{})
			Expect(err).To(MatchError(ContainSubstring("endpoint is not provided")))
		})
	})

	Describe("ProbePermissions", func() {
		BeforeEach(func() {
			fake.pools["pool-a"] = Pool{Name: "pool-a", Capacity: 8, PerUnitMax: 6}
			fake.pools["pool-b"] = Pool{Name: "pool-b", Capacity: 12, PerUnitMax: 8}
		})

		It("succeeds when every pool is readable", func() {
			Expect(client.ProbePermissions(ctx, []string{"pool-a", "pool-b"})).To(Succeed())
			Expect(fake.requestIDs).To(HaveLen(2))
			Expect(fake.requestIDs[0]).NotTo(BeEmpty())
		})

		It("fails closed on a forbidden pool", func() {
			fake.denied["pool-b"] = true
			err := client.ProbePermissions(ctx, []string{"pool-a", "pool-b"})
			Expect(err).To(MatchError(ErrPermissionDenied))
			Expect(retry.IsTransient(err)).To(BeFalse())
		})

		It("fails with bad credentials", func() {
			bad, err := NewClient(Options{Endpoint: server.URL, Credentials: Credentials{Token: "wrong"}})
			Expect(err).NotTo(HaveOccurred())
			Expect(bad.ProbePermissions(ctx, []string{"pool-a"})).To(MatchError(ErrPermissionDenied))
		})

		It("fails on an unknown pool", func() {
			err := client.ProbePermissions(ctx, []string{"pool-z"})
			var statusErr *StatusError
			Expect(err).To(HaveOccurred())
			Expect(errors.As(err, &statusErr)).To(BeTrue())
			Expect(statusErr.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Mutate", func() {
		settings := types.TargetSettings{Capacity: 24, PerUnitMax: 18}

		It("reports an accepted submission", func() {
			result, err := client.Mutate(ctx, "pool-a", settings)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(types.MutationAccepted))
			Expect(fake.submitted).To(ConsistOf(capacityRequest{Capacity: 24, PerUnitMax: 18}))
		})

		It("reports a conflict without an error", func() {
			fake.conflict["pool-a"] = true
			result, err := client.Mutate(ctx, "pool-a", settings)
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(types.MutationConflict))
			Expect(fake.submitted).To(BeEmpty())
		})

		It("marks server errors as transient", func() {
			fake.failures = 1
			_, err := client.Mutate(ctx, "pool-a", settings)
			Expect(err).To(HaveOccurred())
			Expect(retry.IsTransient(err)).To(BeTrue())
		})

		It("succeeds through the retrier after a transient failure", func() {
			fake.failures = 2
			r := retry.New(retry.Policy{Retries: 3}, nil)
			result, err := retry.Do(ctx, r, "mutate", func(ctx context.Context) (types.MutationResult, error) {
				return client.Mutate(ctx, "pool-a", settings)
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(types.MutationAccepted))
			Expect(fake.submitted).To(HaveLen(1))
		})

		It("reuses the request id of the context across retries", func() {
			fake.failures = 2
			r := retry.New(retry.Policy{Retries: 3}, nil)
			_, err := retry.Do(types.WithRequestID(ctx, "req-1"), r, "mutate", func(ctx context.Context) (types.MutationResult, error) {
				return client.Mutate(ctx, "pool-a", settings)
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(fake.requestIDs).To(HaveLen(3))
			Expect(fake.requestIDs).To(HaveEach(Equal("req-1")))
		})

		It("generates a request id per call without one in the context", func() {
			_, err := client.Mutate(ctx, "pool-a", settings)
			Expect(err).NotTo(HaveOccurred())
			_, err = client.Mutate(ctx, "pool-a", settings)
			Expect(err).NotTo(HaveOccurred())
			Expect(fake.requestIDs).To(HaveLen(2))
			Expect(fake.requestIDs[0]).NotTo(BeEmpty())
			Expect(fake.requestIDs[0]).NotTo(Equal(fake.requestIDs[1]))
		})
	})

	Describe("operations", func() {
		BeforeEach(func() {
			changed := now.Add(-45 * time.Minute)
			older := now.Add(-2 * time.Hour)
			recent := now.Add(-300 * time.Second)
			fake.operations = []Operation{
				{ID: "1", Pool: "pool-a", State: "InProgress", StartedAt: now.Add(-time.Hour), StateChangedAt: &changed},
				{ID: "2", Pool: "pool-b", State: "pending", StartedAt: now.Add(-time.Minute)},
				{ID: "3", Pool: "pool-c", State: "Completed", StartedAt: older, CompletedAt: &older},
				{ID: "4", Pool: "POOL-C", State: "Completed", StartedAt: older, CompletedAt: &recent},
				{ID: "5", Pool: "pool-d", State: "Failed", StartedAt: older, CompletedAt: &recent},
				{ID: "6", Pool: "pool-e", State: "Rewinding", StartedAt: older},
			}
		})

		It("lists in-flight operations with their elapsed time", func() {
			facts, err := client.ListInTransition(ctx, []string{"pool-a", "pool-b", "pool-c"})
			Expect(err).NotTo(HaveOccurred())
			Expect(facts).To(ConsistOf(
				types.TransitionFact{Pool: "pool-a", State: types.StateInProgress, Elapsed: 45 * time.Minute},
				types.TransitionFact{Pool: "pool-b", State: types.StatePending, Elapsed: time.Minute},
			))
			Expect(fake.queries).To(ConsistOf(ConsistOf("pool-a", "pool-b", "pool-c")))
		})

		It("reports the most recent completion per pool", func() {
			ago, err := client.LastCompletedAgo(ctx, []string{"pool-c", "pool-d"})
			Expect(err).NotTo(HaveOccurred())
			Expect(ago).To(HaveLen(1))
			Expect(ago).To(HaveKeyWithValue("POOL-C", 300.0))
		})
	})
})
