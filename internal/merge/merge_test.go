package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirinaja/ledger/internal/domain"
)

func at(hour int) *time.Time {
	ts := time.Date(2026, 4, 1, hour, 0, 0, 0, time.UTC)
	return &ts
}

func TestRecordsDisjointKeepsEverything(t *testing.T) {
	a := []domain.Product{{ID: 1, Name: "a"}, {ID: 2, Name: "b"}}
	b := []domain.Product{{ID: 3, Name: "c"}, {ID: 4, Name: "d"}, {ID: 5, Name: "e"}}

	ab := Records(a, b)
	ba := Records(b, a)

	assert.Len(t, ab, len(a)+len(b))
	assert.Len(t, ba, len(a)+len(b))
	assert.ElementsMatch(t, ab, ba)
}

func TestRecordsNewerRemoteReplacesLocal(t *testing.T) {
	local := []domain.Expense{{ID: "e1", Description: "local", UpdatedAt: at(9)}}
	remote := []domain.Expense{{ID: "e1", Description: "remote", UpdatedAt: at(10)}}

	merged := Records(local, remote)
	require.Len(t, merged, 1)
	assert.Equal(t, remote[0], merged[0])
}

func TestRecordsOlderRemoteLosesAndTieKeepsLocal(t *testing.T) {
	local := []domain.Expense{
		{ID: "e1", Description: "local newer", UpdatedAt: at(11)},
		{ID: "e2", Description: "local tie", UpdatedAt: at(8)},
	}
	remote := []domain.Expense{
		{ID: "e1", Description: "remote older", UpdatedAt: at(10)},
		{ID: "e2", Description: "remote tie", UpdatedAt: at(8)},
	}

	merged := Records(local, remote)
	require.Len(t, merged, 2)
	assert.Equal(t, "local newer", merged[0].Description)
	assert.Equal(t, "local tie", merged[1].Description)
}

func TestRecordsMissingStampsDefaultToEpoch(t *testing.T) {
	local := []domain.Product{{ID: 7, Name: "unstamped"}}
	remote := []domain.Product{{ID: 7, Name: "stamped", UpdatedAt: at(1)}}

	merged := Records(local, remote)
	require.Len(t, merged, 1)
	assert.Equal(t, "stamped", merged[0].Name)

	merged = Records(remote, []domain.Product{{ID: 7, Name: "unstamped"}})
	assert.Equal(t, "stamped", merged[0].Name)
}

func TestUnstampedCustomerTiesWithEpochStampedRemote(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	local := []domain.CreditCustomer{{ID: "CUST1", Name: "local"}}
	remote := []domain.CreditCustomer{{ID: "CUST1", Name: "remote", LastUpdated: epoch}}

	merged := Records(local, remote)
	require.Len(t, merged, 1)
	assert.Equal(t, "local", merged[0].Name)
	assert.Equal(t, epoch, local[0].Stamp())
}

func TestRecordsFallsBackToCreatedAt(t *testing.T) {
	local := []domain.User{{ID: "u1", Name: "old", CreatedAt: *at(5)}}
	remote := []domain.User{{ID: "u1", Name: "new", CreatedAt: *at(6)}}

	merged := Records(local, remote)
	assert.Equal(t, "new", merged[0].Name)
}

func TestRecordsAppendsRemoteOnlyAfterLocal(t *testing.T) {
	local := []domain.Salary{{ID: "s2"}, {ID: "s1"}}
	remote := []domain.Salary{{ID: "s3"}, {ID: "s1"}, {ID: "s4"}}

	merged := Records(local, remote)
	keys := make([]string, 0, len(merged))
	for _, s := range merged {
		keys = append(keys, s.ID)
	}
	assert.Equal(t, []string{"s2", "s1", "s3", "s4"}, keys)
}

func TestSingleton(t *testing.T) {
	local := &domain.BusinessConfig{BusinessName: "Local", UpdatedAt: at(3)}
	remote := &domain.BusinessConfig{BusinessName: "Remote", UpdatedAt: at(4)}

	assert.Equal(t, "Remote", Singleton(local, remote).BusinessName)
	assert.Equal(t, "Remote", Singleton(remote, local).BusinessName, "older remote loses")
	assert.Equal(t, "Local", Singleton(local, nil).BusinessName)
	assert.Equal(t, "Remote", Singleton(nil, remote).BusinessName)
}

func TestStableProductID(t *testing.T) {
	id := StableProductID("Coca Cola 500ml")
	assert.Positive(t, id)
	assert.Equal(t, id, StableProductID("Coca Cola 500ml"))
	assert.NotEqual(t, id, StableProductID("Fanta 500ml"))
	assert.Equal(t, int64(97), StableProductID("a"))
	assert.Equal(t, int64(3105), StableProductID("ab"))
}

func TestStableProductIDMatchesOtherTills(t *testing.T) {
	// Surrounding spaces are part of the name.
	assert.NotEqual(t, StableProductID("Kopi"), StableProductID(" Kopi "))
	assert.Equal(t, int64(32*31+97), StableProductID(" a"))
	// Characters outside the BMP hash as their two surrogate halves.
	assert.Equal(t, int64(0xD83D*31+0xDE00), StableProductID("\U0001F600"))
}
