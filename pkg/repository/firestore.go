package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	DefaultCollection = "PatientScans"

	// VectorField is the document field holding model.ScanRecord.ImageVector
	VectorField = "ImageVector"

	distanceField = "VectorDistance"

	// Firestore limits
	maxInValues     = 30
	maxTxWrites     = 500
	maxNearestLimit = 1000
)

// Firestore implements Repository using Cloud Firestore
type Firestore struct {
	client     *firestore.Client
	projectID  string
	databaseID string
	collection string
}

// Option configures Firestore
type Option func(*Firestore)

// WithCollection sets the collection holding scan records
func WithCollection(name string) Option {
	return func(f *Firestore) {
		f.collection = name
	}
}

// New creates a new Firestore repository
func New(ctx context.Context, projectID, databaseID string, opts ...Option) (*Firestore, error) {
	client, err := firestore.NewClientWithDatabase(ctx, projectID, databaseID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create firestore client",
			goerr.V("project", projectID), goerr.V("database", databaseID))
	}

	f := &Firestore{
		client:     client,
		projectID:  projectID,
		databaseID: databaseID,
		collection: DefaultCollection,
	}
	for _, opt := range opts {
		opt(f)
	}

	return f, nil
}

func (r *Firestore) scans() *firestore.CollectionRef {
	return r.client.Collection(r.collection)
}

// adapterError classifies a Firestore error into the model taxonomy
func adapterError(err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return model.Classify(model.ErrNotFound, err)
	case codes.AlreadyExists:
		return model.Classify(model.ErrAlreadyExists, err)
	default:
		return model.Classify(model.ErrAdapterFailure, err)
	}
}

func (r *Firestore) query(filter ScanFilter) firestore.Query {
	q := r.scans().Query
	if filter.PatientID != "" {
		q = q.Where("PatientID", "==", filter.PatientID)
	}
	if len(filter.PatientIDs) > 0 {
		q = q.Where("PatientID", "in", filter.PatientIDs)
	}
	if filter.ScanType != "" {
		q = q.Where("ScanType", "==", filter.ScanType)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	return q
}

func (r *Firestore) FindScans(ctx context.Context, filter ScanFilter) ([]*model.ScanRecord, error) {
	if len(filter.PatientIDs) > maxInValues {
		var records []*model.ScanRecord
		for _, chunk := range chunkStrings(filter.PatientIDs, maxInValues) {
			sub := filter
			sub.PatientIDs = chunk
			found, err := r.FindScans(ctx, sub)
			if err != nil {
				return nil, err
			}
			records = append(records, found...)
		}
		return records, nil
	}

	iter := r.query(filter).Documents(ctx)
	defer iter.Stop()

	var records []*model.ScanRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(adapterError(err), "failed to iterate scans", goerr.V("filter", filter))
		}

		var record model.ScanRecord
		if err := doc.DataTo(&record); err != nil {
			return nil, goerr.Wrap(model.Classify(model.ErrMalformed, err), "failed to decode scan record", goerr.V("id", doc.Ref.ID))
		}
		records = append(records, &record)
	}

	return records, nil
}

func (r *Firestore) CountScans(ctx context.Context, filter ScanFilter) (int64, error) {
	q := r.query(filter)
	result, err := q.NewAggregationQuery().WithCount("count").Get(ctx)
	if err != nil {
		return 0, goerr.Wrap(adapterError(err), "failed to count scans", goerr.V("filter", filter))
	}

	v, ok := result["count"].(*firestorepb.Value)
	if !ok {
		return 0, goerr.New("unexpected count aggregation result", goerr.V("result", result))
	}
	return v.GetIntegerValue(), nil
}

func (r *Firestore) ExistingKeys(ctx context.Context, patientIDs []string) (map[model.ScanKey]struct{}, error) {
	keys := make(map[model.ScanKey]struct{})

	for _, chunk := range chunkStrings(patientIDs, maxInValues) {
		iter := r.scans().Select("PatientID", "ScanType").Where("PatientID", "in", chunk).Documents(ctx)

		for {
			doc, err := iter.Next()
			if err == iterator.Done {
				break
			}
			if err != nil {
				iter.Stop()
				return nil, goerr.Wrap(adapterError(err), "failed to fetch existing keys", goerr.V("patients", len(chunk)))
			}

			var key struct {
				PatientID string
				ScanType  string
			}
			if err := doc.DataTo(&key); err != nil {
				iter.Stop()
				return nil, goerr.Wrap(model.Classify(model.ErrMalformed, err), "failed to decode scan key", goerr.V("id", doc.Ref.ID))
			}
			keys[model.ScanKey{PatientID: key.PatientID, ScanType: key.ScanType}] = struct{}{}
		}
		iter.Stop()
	}

	return keys, nil
}

func prepare(record *model.ScanRecord) {
	if record.ID == "" {
		record.ID = model.NewScanID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
}

func (r *Firestore) PutScan(ctx context.Context, record *model.ScanRecord) error {
	prepare(record)

	if _, err := r.scans().Doc(string(record.ID)).Create(ctx, record); err != nil {
		return goerr.Wrap(adapterError(err), "failed to put scan",
			goerr.V("id", record.ID), goerr.V("key", record.Key().String()))
	}
	return nil
}

// PutScans writes all records in one transaction. Firestore caps a
// transaction at 500 writes.
func (r *Firestore) PutScans(ctx context.Context, records []*model.ScanRecord) error {
	if len(records) == 0 {
		return nil
	}
	if len(records) > maxTxWrites {
		return goerr.New("too many records for one transaction", goerr.V("count", len(records)), goerr.V("max", maxTxWrites))
	}

	for _, record := range records {
		prepare(record)
	}

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, record := range records {
			if err := tx.Create(r.scans().Doc(string(record.ID)), record); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return goerr.Wrap(adapterError(err), "failed to put scans", goerr.V("count", len(records)))
	}
	return nil
}

func (r *Firestore) SearchSimilarScans(ctx context.Context, vector firestore.Vector32, poolSize int) (model.MatchResult, error) {
	if len(vector) == 0 {
		return nil, goerr.Wrap(model.ErrMissingVector, "query vector is empty")
	}
	if poolSize <= 0 {
		return nil, goerr.New("pool size must be positive", goerr.V("pool_size", poolSize))
	}
	if poolSize > maxNearestLimit {
		poolSize = maxNearestLimit
	}

	vq := r.scans().FindNearest(VectorField, vector, poolSize, firestore.DistanceMeasureCosine,
		&firestore.FindNearestOptions{DistanceResultField: distanceField})

	iter := vq.Documents(ctx)
	defer iter.Stop()

	var matches model.MatchResult
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(adapterError(err), "failed to search similar scans", goerr.V("pool_size", poolSize))
		}

		var record model.ScanRecord
		if err := doc.DataTo(&record); err != nil {
			return nil, goerr.Wrap(model.Classify(model.ErrMalformed, err), "failed to decode scan record", goerr.V("id", doc.Ref.ID))
		}

		raw, err := doc.DataAt(distanceField)
		if err != nil {
			return nil, goerr.Wrap(model.Classify(model.ErrMalformed, err), "vector distance is missing", goerr.V("id", doc.Ref.ID))
		}
		distance, ok := raw.(float64)
		if !ok {
			return nil, goerr.New("vector distance is not a number", goerr.V("id", doc.Ref.ID), goerr.V("value", raw))
		}

		matches = append(matches, model.Match{
			PatientID: record.PatientID,
			ScanType:  record.ScanType,
			Score:     1 - distance,
		})
	}

	return matches, nil
}

func (r *Firestore) DeleteAllScans(ctx context.Context) (int, error) {
	iter := r.scans().Select().Documents(ctx)
	defer iter.Stop()

	bw := r.client.BulkWriter(ctx)
	deleted := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			bw.End()
			return deleted, goerr.Wrap(adapterError(err), "failed to iterate scans for deletion")
		}

		if _, err := bw.Delete(doc.Ref); err != nil {
			bw.End()
			return deleted, goerr.Wrap(adapterError(err), "failed to enqueue deletion", goerr.V("id", doc.Ref.ID))
		}
		deleted++
	}
	bw.End()

	return deleted, nil
}

func (r *Firestore) Close() error {
	if err := r.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close firestore client")
	}
	return nil
}

func chunkStrings(values []string, size int) [][]string {
	var chunks [][]string
	for len(values) > size {
		chunks = append(chunks, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		chunks = append(chunks, values)
	}
	return chunks
}
