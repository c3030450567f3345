// Copyright 2024 The BM2 Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProberMarksHealthyOn2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var fired int32
	p := New(srv.URL, 10*time.Millisecond, time.Second, 3, func() { atomic.AddInt32(&fired, 1) })
	go p.Run()
	defer p.Stop()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, p.Healthy())
	assert.Zero(t, atomic.LoadInt32(&fired))
}

func TestProberFiresAfterMaxFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fired := make(chan struct{}, 1)
	p := New(srv.URL, 10*time.Millisecond, time.Second, 2, func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	})
	go p.Run()
	defer p.Stop()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("onUnhealthy never fired")
	}
	assert.False(t, p.Healthy())
}
