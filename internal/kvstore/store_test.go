package kvstore

import (
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory(WithClock(stepClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))))
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// payload strips the reserved fields so tests can compare logical content.
func payload(item map[string]any) map[string]any {
	out := make(map[string]any, len(item))
	for k, v := range item {
		if k == TimestampField || k == ObjectTypeField {
			continue
		}
		out[k] = v
	}
	return out
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t)

	if err := s.Put("contact", "1", map[string]any{"email": "a@example.com"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok := s.Get("contact", "1")
	if !ok {
		t.Fatal("expected item to be found")
	}
	if got["email"] != "a@example.com" {
		t.Errorf("email = %v, want a@example.com", got["email"])
	}
	if _, ok := got[TimestampField].(string); !ok {
		t.Errorf("missing %s", TimestampField)
	}
	if _, ok := s.GetLastUpdated("contact"); !ok {
		t.Error("expected last updated to be set after Put")
	}
}

func TestGet_NotFound(t *testing.T) {
	s := openTestStore(t)
	if item, ok := s.Get("contact", "missing"); ok || item != nil {
		t.Fatalf("Get(missing) = %v, %v; want nil, false", item, ok)
	}
}

func TestPut_DoesNotMutateInput(t *testing.T) {
	s := openTestStore(t)
	data := map[string]any{"name": "Acme"}
	if err := s.Put("company", "1", data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := data[TimestampField]; ok {
		t.Error("Put mutated the caller's map")
	}
}

func TestPut_LastWriteWins(t *testing.T) {
	s := openTestStore(t)
	for i, name := range []string{"first", "second", "third"} {
		if err := s.Put("company", "42", map[string]any{"name": name, "n": float64(i)}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	got, ok := s.Get("company", "42")
	if !ok {
		t.Fatal("expected item")
	}
	want := map[string]any{"name": "third", "n": float64(2)}
	if !reflect.DeepEqual(payload(got), want) {
		t.Errorf("payload = %v, want %v", payload(got), want)
	}
	if n := len(s.GetAllByType("company", 0)); n != 1 {
		t.Errorf("GetAllByType returned %d items, want 1", n)
	}
}

func TestPutBulk_SkipsItemsWithoutID(t *testing.T) {
	s := openTestStore(t)

	items := []map[string]any{
		{"id": "1", "name": "a"},
		{"name": "no id"},
		{"id": "3", "name": "c"},
	}
	res, err := s.PutBulk("company", items, "id")
	if err != nil {
		t.Fatalf("PutBulk: %v", err)
	}
	if !reflect.DeepEqual(res.Stored, []string{"1", "3"}) {
		t.Errorf("Stored = %v, want [1 3]", res.Stored)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Index != 1 {
		t.Errorf("Skipped = %+v, want one entry at index 1", res.Skipped)
	}
	if n := len(s.GetAllByType("company", 0)); n != 2 {
		t.Errorf("stored %d items, want 2", n)
	}
}

func TestPutBulk_SharedTimestamp(t *testing.T) {
	s := openTestStore(t)
	items := []map[string]any{{"id": "1"}, {"id": "2"}, {"id": "3"}}
	if _, err := s.PutBulk("deal", items, ""); err != nil {
		t.Fatalf("PutBulk: %v", err)
	}

	all := s.GetAllByType("deal", 0)
	if len(all) != 3 {
		t.Fatalf("got %d items, want 3", len(all))
	}
	ts := all[0][TimestampField]
	for _, item := range all[1:] {
		if item[TimestampField] != ts {
			t.Errorf("timestamp %v differs from batch timestamp %v", item[TimestampField], ts)
		}
	}
}

func TestPutBulk_NumericIDs(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.PutBulk("contact", []map[string]any{{"id": float64(1001)}}, "id"); err != nil {
		t.Fatalf("PutBulk: %v", err)
	}
	if _, ok := s.Get("contact", "1001"); !ok {
		t.Error("expected numeric id to be stored as \"1001\"")
	}
}

func TestPutBulk_EmptyIsNoop(t *testing.T) {
	s := openTestStore(t)
	res, err := s.PutBulk("contact", nil, "id")
	if err != nil {
		t.Fatalf("PutBulk: %v", err)
	}
	if len(res.Stored) != 0 || len(res.Skipped) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if _, ok := s.GetLastUpdated("contact"); ok {
		t.Error("empty PutBulk must not touch last updated")
	}
}

func TestPutBulk_Idempotent(t *testing.T) {
	s := openTestStore(t)
	items := []map[string]any{
		{"id": "1", "name": "a"},
		{"id": "2", "name": "b"},
	}

	if _, err := s.PutBulk("company", items, "id"); err != nil {
		t.Fatalf("first PutBulk: %v", err)
	}
	first := s.GetAllByType("company", 0)
	if _, err := s.PutBulk("company", items, "id"); err != nil {
		t.Fatalf("second PutBulk: %v", err)
	}
	second := s.GetAllByType("company", 0)

	if len(first) != len(second) {
		t.Fatalf("len changed: %d -> %d", len(first), len(second))
	}
	byID := func(items []map[string]any) map[any]map[string]any {
		m := make(map[any]map[string]any)
		for _, it := range items {
			m[it["id"]] = payload(it)
		}
		return m
	}
	if !reflect.DeepEqual(byID(first), byID(second)) {
		t.Errorf("payload changed between identical writes:\n%v\n%v", byID(first), byID(second))
	}
}

func TestGetAllByType_OrderAndLimit(t *testing.T) {
	s := openTestStore(t)

	// Keys sort a < b < c but writes happen c, a, b.
	for _, id := range []string{"c", "a", "b"} {
		if err := s.Put("contact", id, map[string]any{"id": id}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	all := s.GetAllByType("contact", 0)
	var order []string
	for _, it := range all {
		order = append(order, it["id"].(string))
	}
	if want := []string{"b", "a", "c"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}

	limited := s.GetAllByType("contact", 2)
	if len(limited) != 2 || limited[0]["id"] != "b" {
		t.Errorf("limited = %v, want newest two starting with b", limited)
	}
}

func TestScan_SkipsCorruptRecords(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put("company", "1", map[string]any{"id": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.db.Put([]byte("company_bad"), []byte("{not json"), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("company", "2", map[string]any{"id": "2"}); err != nil {
		t.Fatal(err)
	}

	res, err := s.Scan("company", 0)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(res.Items) != 2 {
		t.Errorf("got %d items, want 2", len(res.Items))
	}
	if !reflect.DeepEqual(res.Corrupt, []string{"company_bad"}) {
		t.Errorf("Corrupt = %v, want [company_bad]", res.Corrupt)
	}
}

func TestScan_TypePrefixIsolation(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put("contact", "1", map[string]any{"id": "1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("contact_list", "9", map[string]any{"id": "9"}); err != nil {
		t.Fatal(err)
	}

	got := s.GetAllByType("contact", 0)
	if len(got) != 1 || got[0]["id"] != "1" {
		t.Errorf("GetAllByType(contact) = %v, want only contact 1", got)
	}
}

func TestScan_MissingTimestampSortsLast(t *testing.T) {
	s := openTestStore(t)
	if err := s.db.Put([]byte("email_legacy"), []byte(`{"id":"legacy"}`), nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Put("email", "new", map[string]any{"id": "new"}); err != nil {
		t.Fatal(err)
	}

	got := s.GetAllByType("email", 0)
	if len(got) != 2 {
		t.Fatalf("got %d items, want 2", len(got))
	}
	if got[1]["id"] != "legacy" {
		t.Errorf("last item = %v, want legacy", got[1]["id"])
	}
}

func TestDelete(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put("deal", "7", map[string]any{"id": "7"}); err != nil {
		t.Fatal(err)
	}
	if !s.Delete("deal", "7") {
		t.Error("Delete of existing item returned false")
	}
	if s.Delete("deal", "7") {
		t.Error("second Delete returned true")
	}
	if _, ok := s.Get("deal", "7"); ok {
		t.Error("item still present after Delete")
	}
}

func TestEmptyTypeRejected(t *testing.T) {
	s := openTestStore(t)
	if err := s.Put("", "1", map[string]any{}); err != ErrInvalidType {
		t.Errorf("Put(\"\") error = %v, want ErrInvalidType", err)
	}
	if got := s.GetAllByType("", 0); len(got) != 0 {
		t.Errorf("GetAllByType(\"\") = %v, want empty", got)
	}
}

func TestLastUpdated_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.PutBulk("company", []map[string]any{{"id": "1"}}, "id"); err != nil {
		t.Fatalf("PutBulk: %v", err)
	}
	want, ok := s.GetLastUpdated("company")
	if !ok {
		t.Fatal("last updated not set")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	got, ok := reopened.GetLastUpdated("company")
	if !ok || got != want {
		t.Errorf("GetLastUpdated after reopen = %q, %v; want %q", got, ok, want)
	}
	if reopened.Path() != filepath.Join(dir, "leveldb") {
		t.Errorf("Path = %q", reopened.Path())
	}
	if _, ok := reopened.Get("company", "1"); !ok {
		t.Error("item lost across reopen")
	}
}

func TestLastUpdated_NotListedAsItem(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetLastUpdated("company"); err != nil {
		t.Fatal(err)
	}
	all := s.LastUpdatedAll()
	if _, ok := all["company"]; !ok {
		t.Errorf("LastUpdatedAll = %v, missing company", all)
	}
}
