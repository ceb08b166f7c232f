package adapter

import (
	"context"

	"cloud.google.com/go/bigquery"
	"github.com/m-mizutani/goerr/v2"
	"google.golang.org/api/iterator"
)

// BigQuery is an interface for reading annotation tables from BigQuery
type BigQuery interface {
	// GetTableMetadata retrieves the metadata of a table including schema
	GetTableMetadata(ctx context.Context, project, datasetID, table string) (*bigquery.TableMetadata, error)

	// ReadTable reads every row of a table
	ReadTable(ctx context.Context, project, datasetID, table string) ([]map[string]any, error)

	Close() error
}

type bigqueryClient struct {
	client *bigquery.Client
}

// NewBigQuery creates a new BigQuery client
func NewBigQuery(ctx context.Context, projectID string) (BigQuery, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create BigQuery client")
	}

	return &bigqueryClient{
		client: client,
	}, nil
}

func (bq *bigqueryClient) table(project, datasetID, table string) *bigquery.Table {
	return bq.client.DatasetInProject(project, datasetID).Table(table)
}

// GetTableMetadata retrieves the metadata of a table including schema
func (bq *bigqueryClient) GetTableMetadata(ctx context.Context, project, datasetID, table string) (*bigquery.TableMetadata, error) {
	metadata, err := bq.table(project, datasetID, table).Metadata(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get table metadata",
			goerr.V("project", project), goerr.V("dataset", datasetID), goerr.V("table", table))
	}

	return metadata, nil
}

// ReadTable reads every row of a table
func (bq *bigqueryClient) ReadTable(ctx context.Context, project, datasetID, table string) ([]map[string]any, error) {
	it := bq.table(project, datasetID, table).Read(ctx)

	var results []map[string]any
	for {
		var row map[string]bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to iterate table rows", goerr.V("table", table))
		}

		rowMap := make(map[string]any, len(row))
		for k, v := range row {
			rowMap[k] = v
		}
		results = append(results, rowMap)
	}

	return results, nil
}

func (bq *bigqueryClient) Close() error {
	if err := bq.client.Close(); err != nil {
		return goerr.Wrap(err, "failed to close BigQuery client")
	}
	return nil
}
