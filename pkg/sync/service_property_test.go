//go:build property
// +build property

package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLedgerAdvancesByStoredRecords checks that a batch of valid and
// invalid records advances the ledger by exactly the number stored, and
// that a full pull returns them in strictly increasing version order.
func TestLedgerAdvancesByStoredRecords(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	run := 0
	properties.Property("success_count == ledger delta", prop.ForAll(
		func(valid, invalid uint8) bool {
			run++
			ctx := context.Background()
			f := newFixture(t, 0)

			var recs []PushRecord
			for i := 0; i < int(valid); i++ {
				recs = append(recs, record(fmt.Sprintf("v-%d", i), "survey", `{"i":1}`))
			}
			for i := 0; i < int(invalid); i++ {
				recs = append(recs, record("", "survey", `{}`))
			}
			if len(recs) == 0 {
				return true
			}

			res, err := f.svc.ProcessPushedRecords(ctx, recs, "client", fmt.Sprintf("tx-%d", run))
			if err != nil {
				return false
			}
			if res.SuccessCount != int(valid) || len(res.FailedRecords) != int(invalid) {
				return false
			}
			if res.CurrentVersion != int64(valid) {
				return false
			}

			page, err := f.svc.GetRecordsSinceVersion(ctx, PullRequest{ClientID: "client", Limit: MaxPullLimit})
			if err != nil || len(page.Records) != int(valid) {
				return false
			}
			for i := 1; i < len(page.Records); i++ {
				if page.Records[i].Version <= page.Records[i-1].Version {
					return false
				}
			}
			return true
		},
		gen.UInt8Range(0, 20),
		gen.UInt8Range(0, 5),
	))

	properties.TestingRun(t)
}
