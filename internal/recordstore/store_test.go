package recordstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterString(t *testing.T) {
	f := Filter{Eq("cardNumber", "A1B2C3"), Gte("timestamp", "2026-03-02 00:00:00.000Z")}
	assert.Equal(t, `cardNumber = "A1B2C3" && timestamp >= "2026-03-02 00:00:00.000Z"`, f.String())

	quoted := Filter{Eq("displayName", `Ann "the" \ Lee`)}
	assert.Equal(t, `displayName = "Ann \"the\" \\ Lee"`, quoted.String())
	assert.Equal(t, "", Filter{}.String())
}

func TestFilterValidate(t *testing.T) {
	assert.NoError(t, Filter{Eq("identityId", "x")}.Validate())
	assert.Error(t, Filter{Eq("id; DROP TABLE records", "x")}.Validate())
	assert.Error(t, Filter{{Field: "a", Op: "~", Value: "x"}}.Validate())
}

func TestParseSort(t *testing.T) {
	keys, err := ParseSort("-created, displayName")
	require.NoError(t, err)
	assert.Equal(t, []SortKey{{Field: "created", Desc: true}, {Field: "displayName"}}, keys)

	_, err = ParseSort("-created'")
	assert.Error(t, err)
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	created, err := m.Create(ctx, "students", Record{"displayName": "Ana", "cardNumber": "0042"})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID())
	assert.NotEmpty(t, created.String(FieldCreated))

	got, err := m.GetOne(ctx, "students", created.ID())
	require.NoError(t, err)
	assert.Equal(t, "Ana", got["displayName"])

	got["displayName"] = "mutated"
	again, _ := m.GetOne(ctx, "students", created.ID())
	assert.Equal(t, "Ana", again["displayName"], "returned records are copies")

	updated, err := m.Update(ctx, "students", created.ID(), Record{"displayName": "Ana Lee"})
	require.NoError(t, err)
	assert.Equal(t, "Ana Lee", updated["displayName"])
	assert.Equal(t, "0042", updated["cardNumber"])

	require.NoError(t, m.Delete(ctx, "students", created.ID()))
	_, err = m.GetOne(ctx, "students", created.ID())
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(m.Delete(ctx, "students", created.ID())))
}

func TestMemoryListFilterSortPage(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	for i, card := range []string{"42", "0042", "42", "7"} {
		_, err := m.Create(ctx, "students", Record{
			"cardNumber": card,
			"created":    FormatTime(base.Add(time.Duration(i) * time.Minute)),
		})
		require.NoError(t, err)
	}

	res, err := m.List(ctx, "students", ListOptions{Filter: Filter{Eq("cardNumber", "42")}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalItems, "string equality is exact")

	res, err = m.List(ctx, "students", ListOptions{Sort: "-created", PerPage: 2, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, res.TotalItems)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "0042", res.Items[0]["cardNumber"])
	assert.Equal(t, "42", res.Items[1]["cardNumber"])

	res, err = m.List(ctx, "students", ListOptions{Filter: Filter{
		Gte("created", FormatTime(base.Add(time.Minute))),
		Lte("created", FormatTime(base.Add(2*time.Minute))),
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalItems)

	first, err := First(ctx, m, "students", ListOptions{Sort: "-created"})
	require.NoError(t, err)
	assert.Equal(t, "7", first["cardNumber"])

	_, err = First(ctx, m, "teachers", ListOptions{})
	assert.True(t, IsNotFound(err))
}

func TestMemoryIncrementIsAtomic(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	rec, err := m.Create(ctx, "students", Record{"usageCount": 0})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Increment(ctx, "students", rec.ID(), "usageCount", 1, Record{"lastUsed": "now"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := m.GetOne(ctx, "students", rec.ID())
	require.NoError(t, err)
	assert.Equal(t, float64(50), got["usageCount"])
	assert.Equal(t, "now", got["lastUsed"])
}

func TestMemoryFailWith(t *testing.T) {
	m := NewMemory()
	m.FailWith = errors.New("connection refused")
	_, err := m.List(context.Background(), "students", ListOptions{})
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "list", se.Op)
}

type sampleRecord struct {
	ID      string `json:"id" validate:"required"`
	Name    string `json:"displayName" validate:"required"`
	Count   int    `json:"usageCount"`
	Created Time   `json:"created"`
}

func TestDecode(t *testing.T) {
	var s sampleRecord
	err := Decode("students", Record{"id": "s1", "displayName": "Ana", "usageCount": float64(3), "created": "2026-03-02 08:00:00.000Z"}, &s)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Count)
	assert.Equal(t, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC), s.Created.Time)

	// Fresh target: Decode unmarshals over existing fields.
	var missing sampleRecord
	err = Decode("students", Record{"id": "s2"}, &missing)
	var se *StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "decode", se.Op)
}

func TestTimeJSON(t *testing.T) {
	rec, err := Encode(struct {
		At   Time `json:"at"`
		Zero Time `json:"zero"`
	}{At: At(time.Date(2026, 3, 2, 9, 30, 0, 0, time.FixedZone("ICT", 7*3600)))})
	require.NoError(t, err)
	assert.Equal(t, "2026-03-02 02:30:00.000Z", rec["at"])
	assert.Equal(t, "", rec["zero"])
}
