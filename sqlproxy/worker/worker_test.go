package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomyedwab/sqlworker/sqlproxy/types"
)

var drivers = []string{DriverCGO, DriverPure}

// serve feeds lines to a fresh worker and returns the decoded responses
// together with Serve's error.
func serve(t *testing.T, driverName string, lines ...string) ([]map[string]any, error) {
	t.Helper()
	var out bytes.Buffer
	w := New(driverName, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := w.Serve(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"), &out)

	var responses []map[string]any
	dec := json.NewDecoder(&out)
	dec.UseNumber()
	for {
		var resp map[string]any
		if decErr := dec.Decode(&resp); decErr == io.EOF {
			break
		} else {
			require.NoError(t, decErr)
		}
		responses = append(responses, resp)
	}
	return responses, err
}

func errorCode(t *testing.T, resp map[string]any) int64 {
	t.Helper()
	rpcErr, ok := resp["error"].(map[string]any)
	require.True(t, ok, "expected an error response, got %v", resp)
	code, err := rpcErr["code"].(json.Number).Int64()
	require.NoError(t, err)
	return code
}

func TestCreateInsertSelect(t *testing.T) {
	for _, driverName := range drivers {
		t.Run(driverName, func(t *testing.T) {
			responses, err := serve(t, driverName,
				`{"id":1,"method":"open","params":[":memory:",null]}`,
				`{"id":2,"method":"exec","params":["CREATE TABLE foo (id INTEGER PRIMARY KEY AUTOINCREMENT, v TEXT)"]}`,
				`{"id":3,"method":"query","params":["INSERT INTO foo (v) VALUES (?)",["x"]]}`,
				`{"id":4,"method":"query","params":["SELECT id, v FROM foo",[]]}`,
				`{"id":5,"method":"close","params":[]}`,
			)
			require.NoError(t, err)
			require.Len(t, responses, 5)

			assert.Equal(t, true, responses[0]["result"])

			insert := responses[2]["result"].(map[string]any)
			assert.Nil(t, insert["columns"])
			assert.Nil(t, insert["rows"])
			assert.Equal(t, json.Number("1"), insert["insertId"])
			assert.Equal(t, json.Number("1"), insert["changed"])

			sel := responses[3]["result"].(map[string]any)
			assert.Equal(t, []any{"id", "v"}, sel["columns"])
			assert.Equal(t, []any{map[string]any{"id": json.Number("1"), "v": "x"}}, sel["rows"])

			assert.Contains(t, responses[4], "result")
			assert.Nil(t, responses[4]["result"])
			assert.Equal(t, json.Number("5"), responses[4]["id"])
		})
	}
}

func TestRowsKeepColumnOrder(t *testing.T) {
	var out bytes.Buffer
	w := New(DriverCGO, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, w.Serve(context.Background(), strings.NewReader(
		`{"id":1,"method":"open","params":[":memory:",null]}`+"\n"+
			`{"id":2,"method":"query","params":["SELECT 1 AS z, 2 AS a, 3 AS m",[]]}`+"\n"), &out))
	assert.Contains(t, out.String(), `"columns":["z","a","m"],"rows":[{"z":1,"a":2,"m":3}]`)
}

func TestValuesSurviveTheWire(t *testing.T) {
	for _, driverName := range drivers {
		t.Run(driverName, func(t *testing.T) {
			responses, err := serve(t, driverName,
				`{"id":1,"method":"open","params":[":memory:",null]}`,
				`{"id":2,"method":"query","params":["SELECT TYPEOF(?) AS t1, ? AS v1, TYPEOF(?) AS t2, ? AS v2",[{"float":1},{"float":1},1,1]]}`,
				`{"id":3,"method":"query","params":["SELECT TYPEOF(:value) AS t, :value AS v",{"value":{"base64":"P/M="}}]}`,
				`{"id":4,"method":"query","params":["SELECT ? AS v",[1.5]]}`,
				`{"id":5,"method":"query","params":["SELECT ? AS v",[null]]}`,
			)
			require.NoError(t, err)
			require.Len(t, responses, 5)

			row := responses[1]["result"].(map[string]any)["rows"].([]any)[0].(map[string]any)
			assert.Equal(t, "real", row["t1"])
			assert.Equal(t, map[string]any{"float": json.Number("1")}, row["v1"])
			assert.Equal(t, "integer", row["t2"])
			assert.Equal(t, json.Number("1"), row["v2"])

			row = responses[2]["result"].(map[string]any)["rows"].([]any)[0].(map[string]any)
			assert.Equal(t, "blob", row["t"])
			assert.Equal(t, map[string]any{"base64": "P/M="}, row["v"])

			row = responses[3]["result"].(map[string]any)["rows"].([]any)[0].(map[string]any)
			assert.Equal(t, json.Number("1.5"), row["v"])

			row = responses[4]["result"].(map[string]any)["rows"].([]any)[0].(map[string]any)
			assert.Nil(t, row["v"])
		})
	}
}

func TestDuplicateColumnNamesKeepLastValue(t *testing.T) {
	responses, err := serve(t, DriverCGO,
		`{"id":1,"method":"open","params":[":memory:",null]}`,
		`{"id":2,"method":"query","params":["SELECT 1 AS a, 2 AS a",[]]}`,
	)
	require.NoError(t, err)
	res := responses[1]["result"].(map[string]any)
	assert.Equal(t, []any{"a", "a"}, res["columns"])
	assert.Equal(t, []any{map[string]any{"a": json.Number("2")}}, res["rows"])
}

func TestNamedParameterSigils(t *testing.T) {
	responses, err := serve(t, DriverCGO,
		`{"id":1,"method":"open","params":[":memory:",null]}`,
		`{"id":2,"method":"query","params":["SELECT :a AS a, @b AS b, $c AS c",{":a":1,"b":"two","$c":null}]}`,
	)
	require.NoError(t, err)
	row := responses[1]["result"].(map[string]any)["rows"].([]any)[0].(map[string]any)
	assert.Equal(t, map[string]any{"a": json.Number("1"), "b": "two", "c": nil}, row)
}

func TestEmptyResultSetHasColumns(t *testing.T) {
	responses, err := serve(t, DriverCGO,
		`{"id":1,"method":"open","params":[":memory:",null]}`,
		`{"id":2,"method":"exec","params":["CREATE TABLE foo (id INTEGER)"]}`,
		`{"id":3,"method":"query","params":["SELECT id FROM foo",[]]}`,
	)
	require.NoError(t, err)
	res := responses[2]["result"].(map[string]any)
	assert.Equal(t, []any{"id"}, res["columns"])
	assert.Equal(t, []any{}, res["rows"])
}

func TestDeclaredTimeColumnsKeepStoredValues(t *testing.T) {
	for _, driverName := range drivers {
		t.Run(driverName, func(t *testing.T) {
			responses, err := serve(t, driverName,
				`{"id":1,"method":"open","params":[":memory:",null]}`,
				`{"id":2,"method":"exec","params":["CREATE TABLE t (d DATETIME, e DATE, ts TIMESTAMP, b BOOLEAN)"]}`,
				`{"id":3,"method":"exec","params":["INSERT INTO t VALUES ('2020-01-01 10:00:00', 5, 'not a time', 5), ('2021-06-30', 1700000000000, NULL, 0)"]}`,
				`{"id":4,"method":"query","params":["SELECT d, typeof(d) AS td, e, typeof(e) AS te, ts, b FROM t WHERE b >= ? ORDER BY e DESC;",[0]]}`,
			)
			require.NoError(t, err)
			require.Len(t, responses, 4)

			res := responses[3]["result"].(map[string]any)
			assert.Equal(t, []any{"d", "td", "e", "te", "ts", "b"}, res["columns"])
			assert.Equal(t, []any{
				map[string]any{"d": "2021-06-30", "td": "text", "e": json.Number("1700000000000"), "te": "integer", "ts": nil, "b": json.Number("0")},
				map[string]any{"d": "2020-01-01 10:00:00", "td": "text", "e": json.Number("5"), "te": "integer", "ts": "not a time", "b": json.Number("5")},
			}, res["rows"])
		})
	}
}

func TestReturningOnDeclaredTimeColumnRunsOnce(t *testing.T) {
	for _, driverName := range drivers {
		t.Run(driverName, func(t *testing.T) {
			responses, err := serve(t, driverName,
				`{"id":1,"method":"open","params":[":memory:",null]}`,
				`{"id":2,"method":"exec","params":["CREATE TABLE t (id INTEGER PRIMARY KEY, d DATE)"]}`,
				`{"id":3,"method":"query","params":["INSERT INTO t (d) VALUES (?) RETURNING id, d",["2020-01-01"]]}`,
				`{"id":4,"method":"query","params":["SELECT COUNT(*) AS n FROM t",[]]}`,
			)
			require.NoError(t, err)
			require.Len(t, responses, 4)

			insert := responses[2]["result"].(map[string]any)
			assert.Equal(t, []any{"id", "d"}, insert["columns"])
			assert.Len(t, insert["rows"], 1)

			count := responses[3]["result"].(map[string]any)["rows"].([]any)[0].(map[string]any)
			assert.Equal(t, json.Number("1"), count["n"])
		})
	}
}

func TestStoredValuesQuery(t *testing.T) {
	assert.Equal(t,
		"WITH sqlworker_stored(c0,c1) AS (\nSELECT d, d AS \"x\"\"y\" FROM t\n) SELECT +c0 AS \"d\", +c1 AS \"x\"\"y\" FROM sqlworker_stored",
		storedValuesQuery("SELECT d, d AS \"x\"\"y\" FROM t ;\n", []string{"d", `x"y`}))
}

func TestEngineErrorKeepsServing(t *testing.T) {
	for _, driverName := range drivers {
		t.Run(driverName, func(t *testing.T) {
			responses, err := serve(t, driverName,
				`{"id":1,"method":"open","params":[":memory:",null]}`,
				`{"id":2,"method":"query","params":["SELECT * FROM foo",[]]}`,
				`{"id":3,"method":"exec","params":["SELECT 1"]}`,
			)
			require.NoError(t, err)
			require.Len(t, responses, 3)

			assert.Equal(t, int64(1), errorCode(t, responses[1]))
			assert.Contains(t, responses[1]["error"].(map[string]any)["message"], "no such table: foo")
			assert.Contains(t, responses[2], "result")
		})
	}
}

func TestInvalidMethodCalls(t *testing.T) {
	responses, err := serve(t, DriverCGO,
		`{"id":1,"method":"exec","params":["SELECT 1"]}`,
		`{"id":2,"method":"close","params":[]}`,
		`{"id":3,"method":"drop","params":[]}`,
		`{"id":4,"method":"open","params":[":memory:"]}`,
		`{"id":5,"method":"open","params":[":memory:",null]}`,
		`{"id":6,"method":"open","params":[":memory:",null]}`,
		`{"id":7,"method":"query","params":["SELECT 1","x"]}`,
		`{"id":"eight","method":"exec","params":["SELECT 1"]}`,
	)
	require.NoError(t, err)
	require.Len(t, responses, 8)

	for _, i := range []int{0, 1, 2, 3, 5, 6} {
		assert.Equal(t, int64(types.CodeInvalidMethod), errorCode(t, responses[i]), "response %d", i)
	}
	assert.Equal(t, true, responses[4]["result"])
	assert.Equal(t, "eight", responses[7]["id"])
}

func TestMalformedMessageStopsWorker(t *testing.T) {
	responses, err := serve(t, DriverCGO,
		`{"id":1,"method":"open","params":[":memory:",null]}`,
		`{"method":"exec","params":["SELECT 1"]}`,
		`{"id":3,"method":"exec","params":["SELECT 1"]}`,
	)
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, int64(types.CodeInvalidMessage), errorCode(t, responses[1]))
	assert.Nil(t, responses[1]["id"])
}

func TestUnparseableInputStopsWorker(t *testing.T) {
	responses, err := serve(t, DriverCGO,
		`{"id":1,"method":"open","params":[":memory:",null]}`,
		`{"id":2,`,
		`{"id":3,"method":"exec","params":["SELECT 1"]}`,
	)
	require.Error(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, int64(types.CodeParseError), errorCode(t, responses[1]))
	assert.Nil(t, responses[1]["id"])
	assert.Contains(t, responses[1]["error"].(map[string]any)["message"], "input error")
}

func TestOpenFailures(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing", "dir", "x.db")
	readOnlyMissing := filepath.Join(t.TempDir(), "nothing.db")

	responses, err := serve(t, DriverCGO,
		`{"id":1,"method":"open","params":[`+quote(missing)+`,null]}`,
		`{"id":2,"method":"open","params":[`+quote(readOnlyMissing)+`,1]}`,
		`{"id":3,"method":"open","params":[":memory:",3]}`,
		`{"id":4,"method":"open","params":["a\u0000b",null]}`,
		`{"id":5,"method":"open","params":[":memory:",6]}`,
	)
	require.NoError(t, err)
	require.Len(t, responses, 5)

	for i := 0; i < 4; i++ {
		code := errorCode(t, responses[i])
		assert.NotContains(t, []int64{types.CodeParseError, types.CodeInvalidMessage, types.CodeInvalidMethod}, code)
		assert.NotEmpty(t, responses[i]["error"].(map[string]any)["message"])
	}
	assert.Equal(t, true, responses[4]["result"])
}

func TestReadOnlyFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ro.db")

	responses, err := serve(t, DriverCGO,
		`{"id":1,"method":"open","params":[`+quote(path)+`,6]}`,
		`{"id":2,"method":"exec","params":["CREATE TABLE foo (id INTEGER)"]}`,
	)
	require.NoError(t, err)
	require.Contains(t, responses[1], "result")

	responses, err = serve(t, DriverCGO,
		`{"id":1,"method":"open","params":[`+quote(path)+`,1]}`,
		`{"id":2,"method":"query","params":["SELECT COUNT(*) AS n FROM foo",[]]}`,
		`{"id":3,"method":"exec","params":["INSERT INTO foo VALUES (1)"]}`,
	)
	require.NoError(t, err)
	assert.Contains(t, responses[1], "result")
	assert.Equal(t, int64(8), errorCode(t, responses[2])) // SQLITE_READONLY
}

func TestDataSourceName(t *testing.T) {
	dsn, err := dataSourceName("/tmp/a?b.db", nil)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/a?b.db", dsn)

	rwc := int64(types.OpenReadWrite | types.OpenCreate)
	dsn, err = dataSourceName("/tmp/a?b.db", &rwc)
	require.NoError(t, err)
	assert.Equal(t, "file:/tmp/a%3fb.db?mode=rwc", dsn)

	ro := int64(types.OpenReadOnly)
	dsn, err = dataSourceName("/tmp/x.db", &ro)
	require.NoError(t, err)
	assert.Equal(t, "file:/tmp/x.db?mode=ro", dsn)

	bad := int64(0)
	_, err = dataSourceName("/tmp/x.db", &bad)
	assert.Error(t, err)
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
