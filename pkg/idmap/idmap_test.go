package idmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		give    string
		want    Map
		wantErr bool
	}{
		{give: "1000:1000", want: Map{Host: 1000, Instance: 1000}},
		{give: "0:0", want: Map{Host: 0, Instance: 0}},
		{give: "1000:default", want: Map{Host: 1000, Instance: Default}},
		{give: "1000:-1", want: Map{Host: 1000, Instance: Default}},
		{give: "1000", wantErr: true},
		{give: "a:1", wantErr: true},
		{give: "1000:b", wantErr: true},
		{give: "-2:0", wantErr: true},
		{give: "1000:-2", wantErr: true},
		{give: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.give, func(t *testing.T) {
			m, err := Parse(tt.give)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, m)
		})
	}
}

func TestStringRoundTrip(t *testing.T) {
	for _, s := range []string{"1000:1000", "0:0", "1000:default"} {
		m, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, m.String())
	}
}

func TestApply(t *testing.T) {
	tbl := Table{
		{Host: 1000, Instance: Default},
		{Host: 1000, Instance: 4000}, // shadowed by the first entry
		{Host: 501, Instance: 1001},
	}
	assert.Equal(t, 1002, tbl.Apply(1000, 1002), "default resolves to the instance id")
	assert.Equal(t, 1001, tbl.Apply(501, 1002))
	assert.Equal(t, 777, tbl.Apply(777, 1002), "unmapped ids pass through")
	assert.Equal(t, 0, Table(nil).Apply(0, 1002), "empty table passes everything through")
}

func TestReverse(t *testing.T) {
	tbl := Table{
		{Host: 1000, Instance: Default},
		{Host: 501, Instance: 1001},
	}
	assert.Equal(t, 1000, tbl.Reverse(1002, 1002), "default matches the resolved instance id")
	assert.Equal(t, 501, tbl.Reverse(1001, 1002))
	assert.Equal(t, 777, tbl.Reverse(777, 1002), "unmapped ids pass through")
}

func TestParseTable(t *testing.T) {
	tbl, err := ParseTable([]string{"1000:default", "501:1001"})
	require.NoError(t, err)
	assert.Equal(t, Table{{Host: 1000, Instance: Default}, {Host: 501, Instance: 1001}}, tbl)
	assert.Equal(t, []string{"1000:default", "501:1001"}, tbl.Strings())

	_, err = ParseTable([]string{"1000:default", "nope"})
	require.Error(t, err)
}
