package bbolt

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/meidoworks/nekoq-config/component"
)

type User struct {
	IdData string `json:"id"`
	Name   string `json:"name"`
	Age    int    `json:"age"`
}

func (u *User) Id() []byte {
	return []byte(u.IdData)
}

func (u *User) Marshal() ([]byte, error) {
	return json.Marshal(u)
}

func (u *User) Unmarshal(data []byte) error {
	return json.Unmarshal(data, u)
}

func newTestStore(t *testing.T) *BboltStore {
	s, err := NewBboltStore(&BboltStoreConfig{
		Path: filepath.Join(t.TempDir(), "data.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func TestBboltStoreOperations(t *testing.T) {
	s := newTestStore(t)

	const table = "users"
	user := &User{
		IdData: "id1",
		Name:   "zhangsan",
		Age:    20,
	}

	if obj, err := s.Table(table).QueryById(user.Id(), new(User)); err != nil {
		t.Fatal(err)
	} else if obj != nil {
		t.Fatal("query on empty table should return nil")
	}

	if err := s.Table(table).Upsert(user); err != nil {
		t.Fatal(err)
	}

	if obj, err := s.Table(table).QueryById(user.Id(), new(User)); err != nil {
		t.Fatal(err)
	} else if obj == nil || obj.(*User).Name != "zhangsan" {
		t.Fatal("unexpected query result:", obj)
	}

	user.Age = 21
	if err := s.Table(table).Upsert(user); err != nil {
		t.Fatal(err)
	}
	if obj, _ := s.Table(table).QueryById(user.Id(), new(User)); obj.(*User).Age != 21 {
		t.Fatal("update should be visible")
	}

	if err := s.Table(table).Delete(user.Id()); err != nil {
		t.Fatal(err)
	}
	if obj, err := s.Table(table).QueryById(user.Id(), new(User)); err != nil {
		t.Fatal(err)
	} else if obj != nil {
		t.Fatal("deleted object should be absent")
	}

	// deleting a missing object is a no-op
	if err := s.Table(table).Delete(user.Id()); err != nil {
		t.Fatal(err)
	}
}

func TestBboltStoreUpsertAndScan(t *testing.T) {
	s := newTestStore(t)
	tbl := s.Table("users")
	for _, id := range []string{"b", "a", "c"} {
		if err := tbl.Upsert(&User{IdData: id, Name: "n-" + id}); err != nil {
			t.Fatal(err)
		}
	}
	if err := tbl.Upsert(&User{IdData: "a", Name: "replaced"}); err != nil {
		t.Fatal(err)
	}

	var ids []string
	var names []string
	if err := tbl.Scan(func(id, data []byte) error {
		u := new(User)
		if err := u.Unmarshal(data); err != nil {
			return err
		}
		ids = append(ids, string(id))
		names = append(names, u.Name)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[2] != "c" || names[0] != "replaced" {
		t.Fatal("unexpected scan result:", ids, names)
	}

	cnt := 0
	if err := tbl.Scan(func(id, data []byte) error {
		cnt++
		return component.ErrStopScan
	}); err != nil {
		t.Fatal(err)
	}
	if cnt != 1 {
		t.Fatal("scan should stop at once, visited:", cnt)
	}
}
