package cluster

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMajority verifies floor(n/2)+1 across odd and even group sizes.
func TestMajority(t *testing.T) {
	tests := []struct {
		members int
		want    int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{7, 4},
	}

	for _, tt := range tests {
		if got := Majority(tt.members); got != tt.want {
			t.Errorf("Majority(%d) = %d, want %d", tt.members, got, tt.want)
		}
	}
}

// TestRoleText verifies roles round-trip through their JSON names.
func TestRoleText(t *testing.T) {
	for _, role := range []Role{Follower, Candidate, Leader} {
		data, err := json.Marshal(role)
		require.NoError(t, err)

		var decoded Role
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, role, decoded)
	}

	var r Role
	assert.Error(t, r.UnmarshalText([]byte("emperor")))
	assert.Equal(t, "unknown", Role(42).String())
}

// TestRandomTimeout verifies timeouts stay inside the configured window.
func TestRandomTimeout(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	min, max := 1500*time.Millisecond, 3000*time.Millisecond

	for i := 0; i < 1000; i++ {
		d := RandomTimeout(rng, min, max)
		if d < min || d >= max {
			t.Fatalf("timeout %v outside [%v, %v)", d, min, max)
		}
	}

	// Degenerate window collapses to min
	assert.Equal(t, min, RandomTimeout(rng, min, min))
}

// TestNormalizeURL verifies host:port and trailing-slash handling.
func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"localhost:8081":         "http://localhost:8081",
		"http://localhost:8081/": "http://localhost:8081",
		"https://db.example:443": "https://db.example:443",
		"  ":                     "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeURL(in), "input %q", in)
	}
}

// TestNodeInfoJSON verifies the wire names used by /federated/register.
func TestNodeInfoJSON(t *testing.T) {
	data, err := json.Marshal(NodeInfo{ID: "db-1", URL: "http://localhost:9001"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"nodeId":"db-1","url":"http://localhost:9001"}`, string(data))
}
