package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/docfed/internal/cluster"
)

const namespace = "docfed"

// Consensus records the state of one consensus instance.
type Consensus struct {
	term        prometheus.Gauge
	role        prometheus.Gauge
	commitIndex prometheus.Gauge
	elections   prometheus.Counter
	leaderships prometheus.Counter
	rpcFailures *prometheus.CounterVec
}

// NewConsensus registers consensus collectors for the given tier
// ("cluster" or "federation") with reg.
func NewConsensus(reg prometheus.Registerer, tier string) *Consensus {
	labels := prometheus.Labels{"tier": tier}
	m := &Consensus{
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "raft",
			Name:        "term",
			Help:        "Current consensus term.",
			ConstLabels: labels,
		}),
		role: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "raft",
			Name:        "role",
			Help:        "Current role: 0 follower, 1 candidate, 2 leader.",
			ConstLabels: labels,
		}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "raft",
			Name:        "commit_index",
			Help:        "Highest log index known to be committed.",
			ConstLabels: labels,
		}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "raft",
			Name:        "elections_total",
			Help:        "Elections started by this node.",
			ConstLabels: labels,
		}),
		leaderships: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "raft",
			Name:        "leaderships_total",
			Help:        "Times this node became leader.",
			ConstLabels: labels,
		}),
		rpcFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "raft",
			Name:        "rpc_failures_total",
			Help:        "Outbound RPCs that produced no answer.",
			ConstLabels: labels,
		}, []string{"rpc"}),
	}
	reg.MustRegister(m.term, m.role, m.commitIndex, m.elections, m.leaderships, m.rpcFailures)
	return m
}

// SetTerm records the current term.
func (m *Consensus) SetTerm(term uint64) {
	if m == nil {
		return
	}
	m.term.Set(float64(term))
}

// SetRole sets the role gauge to 0 follower, 1 candidate or 2 leader.
func (m *Consensus) SetRole(r cluster.Role) {
	if m == nil {
		return
	}
	m.role.Set(float64(r))
}

// SetCommitIndex records the highest committed index.
func (m *Consensus) SetCommitIndex(idx uint64) {
	if m == nil {
		return
	}
	m.commitIndex.Set(float64(idx))
}

// ElectionStarted counts an election begun by this node.
func (m *Consensus) ElectionStarted() {
	if m == nil {
		return
	}
	m.elections.Inc()
}

// BecameLeader counts an election won by this node.
func (m *Consensus) BecameLeader() {
	if m == nil {
		return
	}
	m.leaderships.Inc()
}

// RPCFailed counts an outbound call of the given kind that got no answer.
func (m *Consensus) RPCFailed(rpc string) {
	if m == nil {
		return
	}
	m.rpcFailures.WithLabelValues(rpc).Inc()
}

// Registry records node registry state on the federation tier.
type Registry struct {
	nodes       *prometheus.GaugeVec
	promotions  *prometheus.CounterVec
	hasLeader   prometheus.Gauge
	persistErrs prometheus.Counter
}

// NewRegistry registers node registry collectors with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	m := &Registry{
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "nodes",
			Help:      "Registered database nodes by status.",
		}, []string{"status"}),
		promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "promotions_total",
			Help:      "Leader promotion calls by outcome.",
		}, []string{"outcome"}),
		hasLeader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "leader_assigned",
			Help:      "1 when a database cluster leader is assigned.",
		}),
		persistErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "persist_errors_total",
			Help:      "Registry snapshot writes that failed.",
		}),
	}
	reg.MustRegister(m.nodes, m.promotions, m.hasLeader, m.persistErrs)
	return m
}

// SetCounts publishes the number of nodes per status and leader presence.
func (m *Registry) SetCounts(active, inactive int, leaderAssigned bool) {
	if m == nil {
		return
	}
	m.nodes.WithLabelValues("ACTIVE").Set(float64(active))
	m.nodes.WithLabelValues("INACTIVE").Set(float64(inactive))
	if leaderAssigned {
		m.hasLeader.Set(1)
	} else {
		m.hasLeader.Set(0)
	}
}

// Promotion counts a leader promotion by outcome.
func (m *Registry) Promotion(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.promotions.WithLabelValues("success").Inc()
	} else {
		m.promotions.WithLabelValues("failure").Inc()
	}
}

// PersistFailed counts a registry snapshot that could not be saved.
func (m *Registry) PersistFailed() {
	if m == nil {
		return
	}
	m.persistErrs.Inc()
}
