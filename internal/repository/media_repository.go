package repository

import (
	"context"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
)

const blobChunkSize = 255 * 1024

// BlobStore moves attachment bytes to durable storage. Objects are keyed
// by content hash; a partial transfer is abandoned without leaving a
// referenced object behind.
type BlobStore interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, progress func(written, total int64)) (string, error)
	Exists(ctx context.Context, name string) (string, bool, error)
	Fetch(ctx context.Context, name string, w io.Writer) error
	Delete(ctx context.Context, name string) error
}

type mediaRepository struct {
	bucket *gridfs.Bucket
}

func NewMediaRepository(db *mongo.Database) (BlobStore, error) {
	bucket, err := gridfs.NewBucket(db)
	if err != nil {
		return nil, fmt.Errorf("open media bucket: %w", err)
	}
	return &mediaRepository{
		bucket: bucket,
	}, nil
}

func blobURL(name string) string {
	return "/media/" + name
}

// Put streams the blob in fixed-size chunks, reporting progress after
// each. On any failure the upload stream is aborted so no partial object
// remains addressable.
func (r *mediaRepository) Put(ctx context.Context, name string, src io.Reader, size int64, progress func(written, total int64)) (string, error) {
	stream, err := r.bucket.OpenUploadStream(name)
	if err != nil {
		return "", fmt.Errorf("open upload stream: %w", err)
	}

	buf := make([]byte, blobChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			_ = stream.Abort()
			return "", err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := stream.Write(buf[:n]); err != nil {
				_ = stream.Abort()
				return "", fmt.Errorf("write chunk: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written, size)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			_ = stream.Abort()
			return "", fmt.Errorf("read source: %w", readErr)
		}
	}

	if err := stream.Close(); err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}

	return blobURL(name), nil
}

func (r *mediaRepository) Exists(ctx context.Context, name string) (string, bool, error) {
	cursor, err := r.bucket.Find(bson.M{"filename": name})
	if err != nil {
		return "", false, err
	}
	defer cursor.Close(ctx)

	if !cursor.Next(ctx) {
		return "", false, cursor.Err()
	}
	return blobURL(name), true, nil
}

func (r *mediaRepository) Fetch(ctx context.Context, name string, w io.Writer) error {
	_, err := r.bucket.DownloadToStreamByName(name, w)
	return err
}

func (r *mediaRepository) Delete(ctx context.Context, name string) error {
	cursor, err := r.bucket.Find(bson.M{"filename": name})
	if err != nil {
		return err
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var file struct {
			Id interface{} `bson:"_id"`
		}
		if err := cursor.Decode(&file); err != nil {
			return err
		}
		if err := r.bucket.Delete(file.Id); err != nil {
			return err
		}
	}
	return cursor.Err()
}
