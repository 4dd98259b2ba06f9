package driver

import (
	"encoding/binary"
	"fmt"

	"github.com/cuemby/strand/pkg/counters"
	"github.com/cuemby/strand/pkg/metrics"
)

// Counter type ids published in the counters file metadata so external
// tooling can interpret each slot
const (
	CounterTypeSystem           int32 = 0
	CounterTypePublisherLimit   int32 = 1
	CounterTypeSenderPosition   int32 = 2
	CounterTypeReceiverHwm      int32 = 3
	CounterTypeSubscriberPos    int32 = 4
	CounterTypeReceiverPosition int32 = 5
	CounterTypeSendChannelStatus int32 = 6
	CounterTypeRecvChannelStatus int32 = 7
	CounterTypeSenderLimit      int32 = 9
	CounterTypePublisherPosition int32 = 12
	CounterTypeSenderBpe        int32 = 13
	CounterTypeClientHeartbeat  int32 = 11
	CounterTypeLocalSocketAddress int32 = 14
)

// Channel status counter values
const (
	ChannelStatusInitializing int64 = 0
	ChannelStatusActive       int64 = 1
	ChannelStatusClosing      int64 = 2
	ChannelStatusErrored      int64 = -1
)

// systemCounters are the driver's own health counters, allocated first so
// they occupy stable low ids in the counters file
type systemCounters struct {
	errors            *counters.Counter
	clientTimeouts    *counters.Counter
	unblockedCommands *counters.Counter
	freeFails         *counters.Counter
	heartbeats        *counters.Counter
}

func newSystemCounters(cm *counters.Manager) (*systemCounters, error) {
	sc := &systemCounters{}
	for _, alloc := range []struct {
		label  string
		target **counters.Counter
	}{
		{"Errors", &sc.errors},
		{"Client timeouts", &sc.clientTimeouts},
		{"Unblocked commands", &sc.unblockedCommands},
		{"Failed resource frees", &sc.freeFails},
		{"Conductor heartbeats", &sc.heartbeats},
	} {
		id, err := cm.Allocate(CounterTypeSystem, alloc.label, nil,
			counters.DefaultOwnerID, counters.DefaultRegistrationID)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate system counter %q: %w", alloc.label, err)
		}
		*alloc.target = counters.NewCounter(cm, id)
	}
	return sc, nil
}

func metricsFreeFail() {
	metrics.FreeFailsTotal.Inc()
}

// allocateStreamCounter allocates a position counter keyed by registration
// id, session, stream, and channel so counters-file readers can attribute
// each slot to its stream
func allocateStreamCounter(cm *counters.Manager, typeID int32, name string,
	registrationID int64, sessionID, streamID int32, channel string) (*counters.Counter, error) {

	key := make([]byte, 16)
	binary.LittleEndian.PutUint64(key, uint64(registrationID))
	binary.LittleEndian.PutUint32(key[8:], uint32(sessionID))
	binary.LittleEndian.PutUint32(key[12:], uint32(streamID))

	label := fmt.Sprintf("%s: %d %d %d %s", name, registrationID, sessionID, streamID, channel)
	id, err := cm.Allocate(typeID, label, key, counters.DefaultOwnerID, registrationID)
	if err != nil {
		return nil, NewDriverError(errCodeInternal, "failed to allocate %s counter: %v", name, err)
	}
	return counters.NewCounter(cm, id), nil
}
