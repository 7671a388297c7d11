package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-dashboard/internal/model"
	"trading-dashboard/internal/positions"
)

const ndjson = `{"symboltoken":"1594","exchange":"NSE","tradingsymbol":"INFY-EQ","avgnetprice":"100","netqty":"2","unrealised":"50"}
{"symboltoken":"2885","exchange":"NSE","tradingsymbol":"RELIANCE-EQ","ltp":"2500.5"}

{"symboltoken":"11536","exchange":"NSE","avgnetprice":10,"netqty":1,"unrealised":-50}
`

func TestReadRecords(t *testing.T) {
	recs, err := readRecords(strings.NewReader(ndjson))
	require.NoError(t, err)
	assert.Len(t, recs, 3)

	recs, err = readRecords(strings.NewReader("  \n[{\"a\":1},{\"b\":2}]"))
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, json.Number("1"), recs[0]["a"])

	recs, err = readRecords(strings.NewReader("   "))
	require.NoError(t, err)
	assert.Empty(t, recs)

	_, err = readRecords(strings.NewReader(`{"a":1} {`))
	assert.Error(t, err)
}

func TestRun_Table(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(strings.NewReader(ndjson+`{"netqty":1}`), &out, 2, positions.DefaultFieldMap(), false))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, []string{"KEY", "SYMBOL", "PRICE", "SOURCE"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"NSE:1594", "INFY-EQ", "125.00", "quantity"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"NSE:2885", "RELIANCE-EQ", "2500.50", "mark"}, strings.Fields(lines[2]))
	assert.Equal(t, []string{"NSE:11536", "-", "none"}, strings.Fields(lines[3]))
	assert.Equal(t, []string{"#3", "-", "none"}, strings.Fields(lines[4]))
}

func TestRun_JSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(strings.NewReader(ndjson), &out, 1, positions.DefaultFieldMap(), true))

	dec := json.NewDecoder(&out)
	var views []model.PositionView
	for dec.More() {
		var v model.PositionView
		require.NoError(t, dec.Decode(&v))
		views = append(views, v)
	}
	require.Len(t, views, 3)
	assert.Equal(t, "NSE:1594", views[0].ID)
	assert.Equal(t, "125.0", views[0].DisplayText)
	assert.Nil(t, views[2].DisplayPrice)
}
