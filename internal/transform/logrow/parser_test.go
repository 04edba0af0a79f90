package logrow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relgraph/pkg/models"
)

func TestParseLogAcceptsMixedKeysAndTimestamps(t *testing.T) {
	row, err := ParseLog([]byte(`{"id":"42","timestamp":"2024-03-01T10:15:00.250Z","username":" bob ",
		"internalIp":"10.0.0.5","mac_address":"aa:bb:cc:dd:ee:ff","command":"id","hashValue":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(42), row.ID)
	assert.Equal(t, "bob", row.Username)
	assert.Equal(t, "10.0.0.5", row.InternalIP)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", row.MacAddress)
	assert.Equal(t, "abc", row.HashValue)
	assert.True(t, row.Timestamp.Equal(time.Date(2024, 3, 1, 10, 15, 0, 250e6, time.UTC)))
}

func TestParseTimeLayouts(t *testing.T) {
	want := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	for _, in := range []interface{}{
		"2024-03-01T10:15:00Z",
		"2024-03-01T10:15:00",
		"2024-03-01 10:15:00",
		"1709288100",
		float64(1709288100000),
	} {
		got, ok := parseTime(in)
		require.True(t, ok, "%v", in)
		assert.True(t, got.Equal(want), "%v parsed as %s", in, got)
	}

	_, ok := parseTime("yesterday")
	assert.False(t, ok)
	_, ok = parseTime(nil)
	assert.False(t, ok)
}

func TestParseLogRejectsInvalidJSON(t *testing.T) {
	_, err := ParseLog([]byte(`{`))
	assert.Error(t, err)
}

func TestParseNotificationFieldUpdate(t *testing.T) {
	n, err := ParseNotification([]byte(`{"fieldType":"hostname","oldValue":"web01","newValue":"web01-renamed","username":"ana"}`))
	require.NoError(t, err)
	assert.Equal(t, models.NotifyFieldUpdate, n.Type)
	assert.Equal(t, &models.FieldUpdate{FieldType: "hostname", OldValue: "web01", NewValue: "web01-renamed", Username: "ana"}, n.FieldUpdate)

	n, err = ParseNotification([]byte(`{"type":"field_update","field_update":{"field_type":"username","old_value":"alice","new_value":"alice2"}}`))
	require.NoError(t, err)
	assert.Equal(t, "alice2", n.FieldUpdate.NewValue)

	_, err = ParseNotification([]byte(`{"type":"field_update"}`))
	assert.Error(t, err)
}

func TestParseNotificationLogs(t *testing.T) {
	n, err := ParseNotification([]byte(`{"type":"logs","logs":[{"id":1,"timestamp":1709288100000,"username":"bob","command":"id"},"junk"],"logIds":[3,"4",0]}`))
	require.NoError(t, err)
	require.Len(t, n.Logs, 1)
	assert.Equal(t, "bob", n.Logs[0].Username)
	assert.Equal(t, []int64{3, 4}, n.LogIDs)

	_, err = ParseNotification([]byte(`{"type":"logs"}`))
	assert.Error(t, err)
}

func TestParseNotificationTypes(t *testing.T) {
	n, err := ParseNotification([]byte(`{"type":"TEMPLATE_UPDATE"}`))
	require.NoError(t, err)
	assert.Equal(t, models.NotifyTemplateUpdate, n.Type)

	_, err = ParseNotification([]byte(`{"type":"reboot"}`))
	assert.Error(t, err)
	_, err = ParseNotification([]byte(`not json`))
	assert.Error(t, err)
}
