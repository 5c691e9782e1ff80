package types

// FallbackDataset serves deterministic substitute values when an upstream
// fetch has exhausted its retries. Entries are keyed exactly like live
// lookups.
type FallbackDataset interface {
	LifecycleManager
	Lookup(key string) (interface{}, bool)
	Store(key string, value interface{}) error
	Remove(key string) error
	Count() int
}

type FallbackDatasetCreator func(config interface{}) (FallbackDataset, error)
