package sshx

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transfers = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tcman_ssh_transfers_total",
		Help: "Completed file transfers, by direction and strategy.",
	},
	[]string{"direction", "strategy"},
)
