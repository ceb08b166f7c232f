package repository

import (
	"context"
	"fmt"

	admin "cloud.google.com/go/firestore/apiv1/admin"
	"cloud.google.com/go/firestore/apiv1/admin/adminpb"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/scanvault/pkg/model"
	"github.com/m-mizutani/scanvault/pkg/utils/logging"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// VectorIndexRequest builds the flat vector index definition on VectorField
func VectorIndexRequest(projectID, databaseID, collection string, dimension int) *adminpb.CreateIndexRequest {
	return &adminpb.CreateIndexRequest{
		Parent: fmt.Sprintf("projects/%s/databases/%s/collectionGroups/%s", projectID, databaseID, collection),
		Index: &adminpb.Index{
			QueryScope: adminpb.Index_COLLECTION,
			Fields: []*adminpb.Index_IndexField{
				{
					FieldPath: VectorField,
					ValueMode: &adminpb.Index_IndexField_VectorConfig_{
						VectorConfig: &adminpb.Index_IndexField_VectorConfig{
							Dimension: int32(dimension),
							Type: &adminpb.Index_IndexField_VectorConfig_Flat{
								Flat: &adminpb.Index_IndexField_VectorConfig_FlatIndex{},
							},
						},
					},
				},
			},
		},
	}
}

// DefineVectorIndex requests creation of the vector index the similarity
// query depends on. The index builds asynchronously; an existing index is
// reported as model.ErrAlreadyExists.
func (r *Firestore) DefineVectorIndex(ctx context.Context, dimension int) (string, error) {
	if dimension <= 0 {
		return "", goerr.New("vector dimension must be positive", goerr.V("dimension", dimension))
	}

	client, err := admin.NewFirestoreAdminClient(ctx)
	if err != nil {
		return "", goerr.Wrap(err, "failed to create firestore admin client")
	}
	defer client.Close()

	req := VectorIndexRequest(r.projectID, r.databaseID, r.collection, dimension)
	op, err := client.CreateIndex(ctx, req)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return "", goerr.Wrap(model.ErrAlreadyExists, "vector index already exists",
				goerr.V("collection", r.collection), goerr.V("field", VectorField))
		}
		return "", goerr.Wrap(adapterError(err), "failed to create vector index", goerr.V("parent", req.Parent))
	}

	logging.From(ctx).Info("vector index requested",
		"operation", op.Name(), "collection", r.collection, "dimension", dimension)
	return op.Name(), nil
}
