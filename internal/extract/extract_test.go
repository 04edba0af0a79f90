package extract

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/pkg/models"
)

func TestNormalizeMACCollapsesSeparatorsAndCase(t *testing.T) {
	for _, in := range []string{"aa:bb:cc:dd:ee:ff", "AA-BB-CC-DD-EE-FF", "aabbccddeeff", " aabb.ccdd.eeff "} {
		assert.Equal(t, "AA-BB-CC-DD-EE-FF", NormalizeMAC(in), in)
	}
	assert.Equal(t, "", NormalizeMAC("   "))
	assert.Equal(t, "NOT-A-MAC", NormalizeMAC("not-a-mac"))
}

func TestUserCommandGroupsRowsAndPicksLatestLog(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	logs := []models.LogRow{
		{ID: 1, Timestamp: t0, Username: "bob", Command: "id", Hostname: "web01"},
		{ID: 2, Timestamp: t0.Add(5 * time.Minute), Username: "bob", Command: "id", Hostname: "web02"},
		{ID: 3, Timestamp: t0.Add(time.Minute), Username: "bob", Command: "whoami"},
		{ID: 4, Timestamp: t0, Username: "", Command: "id"},
		{ID: 5, Timestamp: t0, Username: "carol", Command: "   "},
	}

	got := UserCommand().Extract(logs)
	require.Len(t, got, 2)

	id := got[0]
	assert.Equal(t, "bob", id.SourceValue)
	assert.Equal(t, "id", id.TargetValue)
	assert.Equal(t, models.TypeUsername, id.SourceType)
	assert.Equal(t, models.TypeCommand, id.TargetType)
	assert.Equal(t, 2, id.Count)
	assert.Equal(t, int64(2), id.LogID)
	assert.True(t, id.FirstSeen.Equal(t0))
	assert.True(t, id.LastSeen.Equal(t0.Add(5*time.Minute)))
	assert.Equal(t, "web02", id.Metadata["hostname"])
	assert.Equal(t, KindUserCommand, id.Metadata["type"])

	assert.Equal(t, "whoami", got[1].TargetValue)
	_, ok := got[1].Metadata["hostname"]
	assert.False(t, ok, "absent context values are left out of metadata")
}

func TestCompositeKeyDoesNotCollideOnSeparators(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	logs := []models.LogRow{
		{ID: 1, Timestamp: t0, Username: "a|b", Command: "c"},
		{ID: 2, Timestamp: t0, Username: "a", Command: "b|c"},
	}
	assert.Len(t, UserCommand().Extract(logs), 2)
}

func TestMacExtractorsCanonicalizeSource(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	logs := []models.LogRow{
		{ID: 1, Timestamp: t0, MacAddress: "aa:bb:cc:dd:ee:ff", InternalIP: "10.0.0.5", Hostname: "ws1"},
		{ID: 2, Timestamp: t0.Add(time.Hour), MacAddress: "AA-BB-CC-DD-EE-FF", InternalIP: "10.0.0.5", Hostname: "ws1"},
	}

	ip := MacIP().Extract(logs)
	require.Len(t, ip, 1)
	assert.Equal(t, "AA-BB-CC-DD-EE-FF", ip[0].SourceValue)
	assert.Equal(t, 2, ip[0].Count)

	host := MacHostname().Extract(logs)
	require.Len(t, host, 1)
	assert.Equal(t, "ws1", host[0].TargetValue)
	assert.Equal(t, "10.0.0.5", host[0].Metadata["internal_ip"])
}

func TestIPToIPSkipsSelfLinks(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	logs := []models.LogRow{
		{ID: 1, Timestamp: t0, InternalIP: "10.0.0.5", ExternalIP: "203.0.113.7"},
		{ID: 2, Timestamp: t0, InternalIP: "10.0.0.6", ExternalIP: "10.0.0.6"},
		{ID: 3, Timestamp: t0, InternalIP: "10.0.0.7"},
	}
	got := IPToIP().Extract(logs)
	require.Len(t, got, 1)
	assert.Equal(t, "203.0.113.7", got[0].TargetValue)
	assert.Equal(t, "internal", got[0].Metadata["source_ip_type"])
}

func TestHostnameDomainBuildsFQDN(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	logs := []models.LogRow{
		{ID: 1, Timestamp: t0, Hostname: "dc01", Domain: "corp.local"},
		{ID: 2, Timestamp: t0, Hostname: "web01.corp.local", Domain: "corp.local"},
	}
	got := HostnameDomain().Extract(logs)
	require.Len(t, got, 2)
	assert.Equal(t, "dc01.corp.local", got[0].Metadata["fqdn"])
	assert.Equal(t, "web01.corp.local", got[1].Metadata["fqdn"])
}

func TestRowsWithoutTimestampAreIgnored(t *testing.T) {
	logs := []models.LogRow{{ID: 1, Username: "bob", Hostname: "web01"}}
	assert.Empty(t, UserHostname().Extract(logs))
}

func TestCandidateInputCarriesOperationTags(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := UserIP().Extract([]models.LogRow{{ID: 7, Timestamp: t0, Username: "bob", InternalIP: "10.0.0.5"}})
	require.Len(t, c, 1)

	in := c[0].Input(models.LogTags{7: {3, 4}})
	assert.Equal(t, []int64{3, 4}, in.OperationTags)
	assert.Equal(t, int64(7), in.LogID)
	assert.Equal(t, int64(1), in.Occurrences)
}

func TestAllCoversEveryKind(t *testing.T) {
	all := All()
	for _, kind := range []string{
		KindIPIP, KindHostnameDomain, KindHostnameCommand, KindIPCommand, KindUserCommand,
		KindUserHostname, KindUserIP, KindMacIP, KindMacHostname,
	} {
		_, ok := all[kind]
		assert.True(t, ok, kind)
	}
}
