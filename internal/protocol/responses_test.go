package protocol

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/resident-x/go-solarlog/internal/domain"
	"github.com/resident-x/go-solarlog/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryPayloads(t *testing.T) {
	tests := []struct {
		query Query
		want  string
	}{
		{BasicDataQuery(), `{"801":{"170":null}}`},
		{PowerPerInverterQuery(), `{"782":null}`},
		{EnergyPerInverterQuery(), `{"854":null}`},
		{YearlyEnergyQuery(), `{"878":null}`},
		{DeviceListQuery(), `{"740":null}`},
		{DeviceNameQuery(3), `{"141":{"3":{"119":null}}}`},
		{SaltQuery(), `{"550":null}`},
		{BatteryQuery(), `{"858":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.Payload)
			assert.True(t, json.Valid([]byte(tt.query.Payload)))
		})
	}

	assert.Equal(t, "801", BasicDataQuery().Key())
	assert.True(t, SaltQuery().IsSalt())
	assert.False(t, DeviceListQuery().IsSalt())
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		resp     *transport.Response
		query    Query
		wantKind domain.ErrorKind
		wantNil  bool
	}{
		{
			name:     "non-200 status",
			resp:     &transport.Response{Status: http.StatusBadRequest, Body: `{"801":{}}`},
			query:    BasicDataQuery(),
			wantKind: domain.KindUpdate,
		},
		{
			name:     "non-200 wins over access denied",
			resp:     &transport.Response{Status: http.StatusForbidden, Body: "ACCESS DENIED"},
			query:    DeviceListQuery(),
			wantKind: domain.KindUpdate,
		},
		{
			name:     "query impossible",
			resp:     &transport.Response{Status: http.StatusOK, Body: `{"QUERY IMPOSSIBLE 000"}`},
			query:    BasicDataQuery(),
			wantKind: domain.KindUpdate,
		},
		{
			name:    "query impossible on salt query means no challenge",
			resp:    &transport.Response{Status: http.StatusOK, Body: `{"QUERY IMPOSSIBLE 000"}`},
			query:   SaltQuery(),
			wantNil: true,
		},
		{
			name:     "access denied",
			resp:     &transport.Response{Status: http.StatusOK, Body: `{"740":"ACCESS DENIED"}`},
			query:    DeviceListQuery(),
			wantKind: domain.KindAuthentication,
		},
		{
			name:     "access denied in a reply mentioning the salt code",
			resp:     &transport.Response{Status: http.StatusOK, Body: `{"782":{"0":"550","1":"ACCESS DENIED"}}`},
			query:    PowerPerInverterQuery(),
			wantKind: domain.KindAuthentication,
		},
		{
			name:     "malformed json",
			resp:     &transport.Response{Status: http.StatusOK, Body: ""},
			query:    BasicDataQuery(),
			wantKind: domain.KindUpdate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Classify(tt.resp, tt.query)
			if tt.wantNil {
				assert.NoError(t, err)
				assert.Nil(t, data)
				return
			}

			require.Error(t, err)
			var derr *domain.Error
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.wantKind, derr.Kind)
			assert.Equal(t, tt.resp.Body, derr.Body)
			assert.Equal(t, tt.resp.Status, derr.Status)
		})
	}
}

func TestClassifyNon200CarriesHeaders(t *testing.T) {
	resp := &transport.Response{
		Status: http.StatusInternalServerError,
		Header: http.Header{"Content-Type": []string{"text/html"}},
		Body:   "oops",
	}

	_, err := Classify(resp, BasicDataQuery())
	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "text/html", derr.Header.Get("Content-Type"))
}

func TestClassifySaltReplyWithAccessDeniedIsDecoded(t *testing.T) {
	resp := &transport.Response{Status: http.StatusOK, Body: `{"550":"ACCESS DENIED"}`}

	data, err := Classify(resp, SaltQuery())
	require.NoError(t, err)
	assert.Equal(t, "ACCESS DENIED", data["550"])
}

func TestClassifyDecodesNumbers(t *testing.T) {
	resp := &transport.Response{Status: http.StatusOK, Body: `{"782":{"0":"1500","1":0}}`}

	data, err := Classify(resp, PowerPerInverterQuery())
	require.NoError(t, err)

	inner, ok := data["782"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1500", inner["0"])
	assert.Equal(t, json.Number("0"), inner["1"])
}
