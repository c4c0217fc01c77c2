// Copyright (c) 2024 Akari Authors
//
// SPDX-License-Identifier: Apache-2.0
//

package containerdshim

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespaceAkariShim = "akari_shim"

var rpcDurationsHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespaceAkariShim,
	Name:      "rpc_durations_histogram_milliseconds",
	Help:      "RPC latency distributions.",
	Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
},
	[]string{"action"},
)

func init() {
	prometheus.MustRegister(rpcDurationsHistogram)
}
