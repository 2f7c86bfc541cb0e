package component

import "errors"

var (
	// ErrStopScan ends SimpleStoreTable.Scan without error
	ErrStopScan = errors.New("stop scan")
)

type SimpleStore interface {
	Table(table string) SimpleStoreTable
}

type SimpleStoreTable interface {
	// QueryById accepts an empty object to be filled with data by the given id
	// If no object is found, then the nil object will be returned.
	QueryById(id []byte, empty SimpleStoreObject) (SimpleStoreObject, error)
	Delete(id []byte) error
	// Upsert inserts or replaces the object
	Upsert(obj SimpleStoreObject) error
	// Scan visits every record in id order inside one read transaction.
	// data is only valid during the callback.
	Scan(fn func(id, data []byte) error) error
}

type SimpleStoreObject interface {
	Id() []byte

	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}
