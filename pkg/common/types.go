package common

// KeyType is the primary key indexed by the trees; for geo streams it is the
// Z-code of the record's grid cell.
type KeyType int64
