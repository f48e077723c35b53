package indexer

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-indexer/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore source of truth.
type FirestoreConfig struct {
	ProjectID         string `yaml:"project_id"`
	CollectionName    string `yaml:"collection"`
	CounterCollection string `yaml:"counter_collection"`
}

// namespace for deterministic document ids.
var firestoreNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("go-indexer/strings"))

type stringDoc struct {
	UseCaseID string `firestore:"use_case_id"`
	OrgID     int64  `firestore:"org_id"`
	String    string `firestore:"string"`
	ID        int64  `firestore:"id"`
}

type counterDoc struct {
	Next int64 `firestore:"next"`
}

// FirestoreStore keeps one document per (use case, org, string). Document
// ids are name-based UUIDs of the key so lookups need no query. Ids are
// allocated from a per-use-case counter document inside a transaction.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	counters   string
	logger     zerolog.Logger
}

// NewFirestoreStore creates a store on an existing client. The client is
// owned by the caller.
func NewFirestoreStore(client *firestore.Client, cfg *FirestoreConfig, logger zerolog.Logger) (*FirestoreStore, error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	collection, counters := "indexer_strings", "indexer_counters"
	if cfg != nil && cfg.CollectionName != "" {
		collection = cfg.CollectionName
	}
	if cfg != nil && cfg.CounterCollection != "" {
		counters = cfg.CounterCollection
	}
	logger.Info().Str("collection", collection).Msg("FirestoreStore initialized with provided client")
	return &FirestoreStore{
		client:     client,
		collection: collection,
		counters:   counters,
		logger:     logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

func (f *FirestoreStore) docRef(useCase types.UseCaseID, orgID int64, s string) *firestore.DocumentRef {
	id := uuid.NewSHA1(firestoreNamespace, []byte(cacheKey(useCase, orgID, s)))
	return f.client.Collection(f.collection).Doc(id.String())
}

type keyRef struct {
	org int64
	s   string
	ref *firestore.DocumentRef
}

func (f *FirestoreStore) refs(useCase types.UseCaseID, keys *KeyCollection) ([]keyRef, []*firestore.DocumentRef) {
	krs := make([]keyRef, 0, keys.Size())
	refs := make([]*firestore.DocumentRef, 0, keys.Size())
	keys.Each(func(org int64, s string) {
		ref := f.docRef(useCase, org, s)
		krs = append(krs, keyRef{org: org, s: s, ref: ref})
		refs = append(refs, ref)
	})
	return krs, refs
}

func (f *FirestoreStore) Fetch(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	found := NewKeyResults()
	if keys.Size() == 0 {
		return found, nil
	}
	krs, refs := f.refs(useCase, keys)
	snaps, err := f.client.GetAll(ctx, refs)
	if err != nil {
		return nil, fmt.Errorf("firestore GetAll: %w", err)
	}
	for i, snap := range snaps {
		if !snap.Exists() {
			continue
		}
		var doc stringDoc
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore DataTo for %s: %w", krs[i].s, err)
		}
		found.Add(krs[i].org, krs[i].s, doc.ID, FetchDBRead)
	}
	return found, nil
}

func (f *FirestoreStore) Insert(ctx context.Context, useCase types.UseCaseID, keys *KeyCollection) (*KeyResults, error) {
	if keys.Size() == 0 {
		return NewKeyResults(), nil
	}
	krs, refs := f.refs(useCase, keys)
	counterRef := f.client.Collection(f.counters).Doc(string(useCase))

	var out *KeyResults
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		out = NewKeyResults()
		var counter counterDoc
		snap, err := tx.Get(counterRef)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if err := snap.DataTo(&counter); err != nil {
				return err
			}
		}

		snaps, err := tx.GetAll(refs)
		if err != nil {
			return err
		}
		var toCreate []int
		for i, s := range snaps {
			if !s.Exists() {
				toCreate = append(toCreate, i)
				continue
			}
			var doc stringDoc
			if err := s.DataTo(&doc); err != nil {
				return err
			}
			out.Add(krs[i].org, krs[i].s, doc.ID, FetchDBRead)
		}
		if len(toCreate) == 0 {
			return nil
		}

		for _, i := range toCreate {
			counter.Next++
			doc := stringDoc{UseCaseID: string(useCase), OrgID: krs[i].org, String: krs[i].s, ID: counter.Next}
			if err := tx.Create(krs[i].ref, doc); err != nil {
				return err
			}
			out.Add(krs[i].org, krs[i].s, counter.Next, FetchFirstSeen)
		}
		return tx.Set(counterRef, counter)
	})
	if err != nil {
		return nil, fmt.Errorf("firestore insert transaction: %w", err)
	}
	return out, nil
}

func (f *FirestoreStore) Reverse(ctx context.Context, useCase types.UseCaseID, orgID int64, id int64) (string, error) {
	iter := f.client.Collection(f.collection).
		Where("use_case_id", "==", string(useCase)).
		Where("org_id", "==", orgID).
		Where("id", "==", id).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return "", ErrStringNotFound
	}
	if err != nil {
		return "", fmt.Errorf("firestore reverse lookup of %s: %w", strconv.FormatInt(id, 10), err)
	}
	var doc stringDoc
	if err := snap.DataTo(&doc); err != nil {
		return "", fmt.Errorf("firestore DataTo for id %d: %w", id, err)
	}
	return doc.String, nil
}

// Close does not close the injected Firestore client.
func (f *FirestoreStore) Close() error {
	f.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}
