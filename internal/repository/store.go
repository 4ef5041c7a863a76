package repository

import "gorm.io/gorm"

// Store bundles the repositories behind one value so callers that want
// documents, the operation log and versions together can take a single
// dependency.
type Store struct {
	*DocumentRepositoryImpl
	*OperationRepositoryImpl
	*VersionRepositoryImpl
}

func NewStore(db *gorm.DB) *Store {
	return &Store{
		DocumentRepositoryImpl:  NewDocumentRepository(db),
		OperationRepositoryImpl: NewOperationRepository(db),
		VersionRepositoryImpl:   NewVersionRepository(db),
	}
}
