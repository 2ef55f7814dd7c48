package stats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/wwzsync/wwzsync/pkg/log"
	"github.com/wwzsync/wwzsync/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore implements the Store interface using Google Cloud Firestore.
// Points live in series/{seriesID}/points with the RFC3339 UTC hour as the
// document ID, which makes every range query a document-ID range query.
type FirestoreStore struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore store.
// It registers flags for configuration.
func configuredFirestore() *FirestoreStore {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreStore{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Init initializes the Firestore client.
// This must be called before using the store methods.
func (f *FirestoreStore) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreStore) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreStore) pointsCollection(seriesID string) (*firestore.CollectionRef, error) {
	if seriesID == "" {
		return nil, fmt.Errorf("seriesID cannot be empty")
	}
	return f.client.Collection("series").Doc(seriesID).Collection("points"), nil
}

func hourDocID(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(time.RFC3339)
}

// UpsertPoints writes each point to its hour document and merges the series
// metadata into the parent document. Re-writing the same hours is a no-op
// beyond the overwrite itself.
func (f *FirestoreStore) UpsertPoints(ctx context.Context, seriesID string, meta types.StatisticMetadata, points []types.StatisticPoint) error {
	coll, err := f.pointsCollection(seriesID)
	if err != nil {
		return err
	}

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal series metadata: %w", err)
	}
	_, err = f.client.Collection("series").Doc(seriesID).Set(ctx, map[string]interface{}{
		"json": string(metaJSON),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to update series %s: %w", seriesID, err)
	}

	for _, p := range points {
		if p.TSHourStart.IsZero() {
			return fmt.Errorf("statistic point missing tsHourStart")
		}
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal statistic point: %w", err)
		}
		_, err = coll.Doc(hourDocID(p.TSHourStart)).Set(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.TSHourStart,
			"sum":       p.Sum,
			"version":   types.CurrentStatisticsVersion,
		})
		if err != nil {
			return fmt.Errorf("failed to upsert point %s: %w", hourDocID(p.TSHourStart), err)
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "upserted statistic points",
		slog.String("seriesID", seriesID), slog.Int("points", len(points)))
	return nil
}

// QueryRange retrieves points with hour-start in [start, end).
// Uses document ID range queries for efficient filtering without reading all documents.
func (f *FirestoreStore) QueryRange(ctx context.Context, seriesID string, start, end time.Time) ([]types.StatisticPoint, error) {
	coll, err := f.pointsCollection(seriesID)
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(hourDocID(start))).
		Where(firestore.DocumentID, "<", coll.Doc(hourDocID(end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var points []types.StatisticPoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating points: %w", err)
		}

		p, err := decodePointDoc(ctx, seriesID, doc)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, nil
}

// LatestSumBefore finds the newest point at or before hour and returns its
// cumulative sum. The document-ID ordering makes this a descending range
// query limited to 1.
func (f *FirestoreStore) LatestSumBefore(ctx context.Context, seriesID string, hour time.Time) (float64, bool, error) {
	coll, err := f.pointsCollection(seriesID)
	if err != nil {
		return 0, false, err
	}
	iter := coll.
		Where(firestore.DocumentID, "<=", coll.Doc(hourDocID(hour))).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	doc, err := iter.Next()
	if err == iterator.Done {
		return 0, false, nil
	}
	if err != nil {
		if status.Code(err) == codes.NotFound {
			// series (or database) does not exist yet
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get latest point doc: %w", err)
	}

	p, err := decodePointDoc(ctx, seriesID, doc)
	if err != nil {
		return 0, false, err
	}
	return p.Sum, true, nil
}

func decodePointDoc(ctx context.Context, seriesID string, doc *firestore.DocumentSnapshot) (types.StatisticPoint, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "point doc missing json", slog.String("docID", doc.Ref.ID), slog.String("seriesID", seriesID), slog.Any("err", err))
		return types.StatisticPoint{}, fmt.Errorf("point document %s missing 'json' field: %w", doc.Ref.ID, err)
	}

	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "point doc json not string", slog.String("docID", doc.Ref.ID), slog.String("seriesID", seriesID))
		return types.StatisticPoint{}, fmt.Errorf("point document %s 'json' field is not string", doc.Ref.ID)
	}

	var p types.StatisticPoint
	if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal point", slog.String("docID", doc.Ref.ID), slog.String("seriesID", seriesID), slog.Any("err", err))
		return types.StatisticPoint{}, fmt.Errorf("failed to unmarshal point (id=%s): %w", doc.Ref.ID, err)
	}
	return p, nil
}
