package filestore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var filesStored = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relay_files_stored_total",
	Help: "Files written durably after passing integrity checks.",
})
