package pricing

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCost(t *testing.T) {
	cases := []struct {
		name      string
		rates     Rates
		records   int64
		want      string
		wantBasis Basis
	}{
		{"per_call_and_record", Rates{PerAPICall: MustParse("0.01"), PerRecord: MustParse("0.001")}, 50, "0.06", BasisPerRecord},
		{"per_call_only", Rates{PerAPICall: MustParse("0.25")}, 500, "0.25", BasisPerAPICall},
		{"flat", Rates{}, 100, "0.00", BasisSubscription},
		{"negative_records", Rates{PerRecord: MustParse("0.5")}, -3, "0.00", BasisPerRecord},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, basis := Cost(tc.rates, tc.records)
			assert.Equal(t, tc.want, got.String())
			assert.Equal(t, tc.wantBasis, basis)
		})
	}
}

func TestCostIsExact(t *testing.T) {
	got, _ := Cost(Rates{PerAPICall: MustParse("0.01"), PerRecord: MustParse("0.001")}, 50)
	assert.Equal(t, int64(60_000), got.Micros())
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{raw: "0.001", want: 1_000},
		{raw: "49.99", want: 49_990_000},
		{raw: "12", want: 12_000_000},
		{raw: ".5", want: 500_000},
		{raw: "0.0000001", wantErr: true},
		{raw: "-1", wantErr: true},
		{raw: "abc", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseAmount(tc.raw)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got.Micros())
		})
	}
}

func TestAmountJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Cost Amount `json:"cost"`
	}{Cost: MustParse("0.06")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"cost":"0.06"}`, string(b))

	var decoded struct {
		Cost Amount `json:"cost"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"cost":0.001}`), &decoded))
	assert.Equal(t, int64(1_000), decoded.Cost.Micros())
}

func TestMonthlyFromAnnual(t *testing.T) {
	assert.Equal(t, "100.00", MonthlyFromAnnual(MustParse("1200")).String())
}
