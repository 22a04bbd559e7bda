// Copyright 2025 The lilac Authors
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

package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBuild(t *testing.T) {
	m := New()

	m.RecordBuild("successful", "local", 90*time.Second)
	m.RecordBuild("successful", "local", 30*time.Second)
	m.RecordBuild("failed", "arm-box", 5*time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.BuildsTotal.WithLabelValues("successful")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BuildsTotal.WithLabelValues("failed")))
}

func TestUpdateQueues(t *testing.T) {
	m := New()

	m.UpdateQueues(map[string]int{"pending": 5, "building": 2})
	m.UpdateQueues(map[string]int{"pending": 3, "building": 4})

	assert.Equal(t, float64(3), testutil.ToFloat64(m.QueueSize.WithLabelValues("pending")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.QueueSize.WithLabelValues("building")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetActive("local", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `lilac_active_builds{worker="local"} 1`)
}
