// Copyright 2021 TiKV Authors
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

// Package oracle implements C2, the Time Oracle Client: a thin wrapper
// around a PD client's GetTS that composes physical+logical clock halves
// into the monotonically increasing timestamps start_ts/commit_ts need.
package oracle

import (
	"context"
	"time"

	"github.com/pkg/errors"
	pd "github.com/tikv/pd/client"
)

const physicalShiftBits = 18

// ComposeTS packs a physical millisecond timestamp and a logical counter
// into the single uint64 the rest of the coordinator treats as an opaque,
// monotonically increasing version number.
func ComposeTS(physical, logical int64) uint64 {
	return uint64((physical << physicalShiftBits) + logical)
}

// ExtractPhysical recovers the physical millisecond component of a ts
// produced by ComposeTS.
func ExtractPhysical(ts uint64) int64 {
	return int64(ts >> physicalShiftBits)
}

// GetPhysical returns the current wall-clock time in the same millisecond
// units the oracle's physical clock uses.
func GetPhysical(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// Oracle is the interface the Transaction Coordinator depends on for
// start_ts/commit_ts assignment (C2). It is a non-owning handle shared
// across every live Transaction, same as the Routing Cache and Dispatcher.
type Oracle interface {
	// GetTimestamp returns a fresh timestamp from the oracle. Implementers
	// must guarantee strict monotonicity across concurrent callers.
	GetTimestamp(ctx context.Context) (uint64, error)
	// Close releases any resources held by the oracle client.
	Close()
}

// pdOracle is the production Oracle, backed by a PD client.
type pdOracle struct {
	client pd.Client
}

// NewPDOracle wraps a PD client as an Oracle.
func NewPDOracle(client pd.Client) Oracle {
	return &pdOracle{client: client}
}

func (o *pdOracle) GetTimestamp(ctx context.Context) (uint64, error) {
	physical, logical, err := o.client.GetTS(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return ComposeTS(physical, logical), nil
}

func (o *pdOracle) Close() {}
