// Copyright 2024 The nodemesh Authors
// This file is part of the nodemesh library.
//
// The nodemesh library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The nodemesh library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the nodemesh library. If not, see <http://www.gnu.org/licenses/>.

package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycleCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dns",
		Name:      "publish_cycles_total",
		Help:      "DNS tree publish cycles, by result.",
	}, []string{"result"})
	changesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dns",
		Name:      "record_changes_total",
		Help:      "TXT record changes submitted, by provider.",
	}, []string{"provider"})
)
