package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alejandrodnm/polytrader/internal/domain"
)

func record(instanceID string, kind domain.RecordKind, key string, v any, now time.Time) (domain.ReconciliationRecord, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return domain.ReconciliationRecord{}, fmt.Errorf("encode %s %s: %w", kind, key, err)
	}
	return domain.ReconciliationRecord{
		InstanceID: instanceID,
		Kind:       kind,
		Key:        key,
		Payload:    b,
		UpdatedAt:  now,
	}, nil
}

// Decode rebuilds an instance snapshot from its shared-store records.
// Records of unknown kinds are ignored; a corrupt payload fails the decode.
func Decode(instanceID string, recs []domain.ReconciliationRecord) (domain.InstanceSnapshot, error) {
	snap := domain.InstanceSnapshot{Categories: make(map[string]string)}
	snap.State.InstanceID = instanceID
	for _, r := range recs {
		var err error
		switch r.Kind {
		case domain.RecordState:
			err = json.Unmarshal(r.Payload, &snap.State)
		case domain.RecordOpenTrade:
			var p domain.Position
			if err = json.Unmarshal(r.Payload, &p); err == nil {
				snap.Open = append(snap.Open, p)
			}
		case domain.RecordClosedTrade:
			var p domain.Position
			if err = json.Unmarshal(r.Payload, &p); err == nil {
				snap.Closed = append(snap.Closed, p)
			}
		case domain.RecordActivity:
			var e domain.ActivityEntry
			if err = json.Unmarshal(r.Payload, &e); err == nil {
				snap.Activity = append(snap.Activity, e)
			}
		case domain.RecordCategory:
			var c string
			if err = json.Unmarshal(r.Payload, &c); err == nil {
				snap.Categories[r.Key] = c
			}
		case domain.RecordBlacklist:
			snap.Blacklist = append(snap.Blacklist, r.Key)
		}
		if err != nil {
			return domain.InstanceSnapshot{}, fmt.Errorf("reconcile.Decode: %s %s/%s: %w", instanceID, r.Kind, r.Key, err)
		}
	}

	byEntry := func(ps []domain.Position) {
		sort.Slice(ps, func(i, j int) bool {
			if !ps[i].EntryTime.Equal(ps[j].EntryTime) {
				return ps[i].EntryTime.Before(ps[j].EntryTime)
			}
			return ps[i].TradeID < ps[j].TradeID
		})
	}
	byEntry(snap.Open)
	byEntry(snap.Closed)
	sort.Slice(snap.Activity, func(i, j int) bool {
		return snap.Activity[i].Timestamp.Before(snap.Activity[j].Timestamp)
	})
	sort.Strings(snap.Blacklist)
	return snap, nil
}
