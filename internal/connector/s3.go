package connector

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/privacytap/dpquery/internal/domain"
)

// s3Connector materializes a Dataset whose ConnectorKind is S3: a
// bucket/key pointing at a CSV object, with the same header-row contract
// as the PATH connector.
type s3Connector struct {
	metadata domain.Metadata
	rows     []Row
}

// CredentialPair is a named AWS access key/secret pair, looked up in
// S3Factory.Credentials by the Dataset's CredentialsName. config.Secrets
// carries no named pairs, and cmd/server and cmd/worker build S3Factory
// with no Credentials, so there every S3 dataset is read with the default
// provider chain.
type CredentialPair struct {
	AccessKeyID     string
	SecretAccessKey string
}

// S3Factory materializes S3-backed connectors. Credentials is consulted by
// CredentialsName; an empty name, or one not in Credentials, falls back to
// the default provider chain
// (environment/role credentials), preferring explicit configuration over
// implicit environment magic only when a named override is actually
// present.
type S3Factory struct {
	Credentials map[string]CredentialPair
}

func (f S3Factory) Materialize(ctx context.Context, d domain.Dataset) (Connector, error) {
	bucket, key, ok := strings.Cut(d.Location, "/")
	if !ok {
		return nil, fmt.Errorf("invalid s3 location %q: want bucket/key", d.Location)
	}

	var optFns []func(*awsconfig.LoadOptions) error
	if cred, ok := f.Credentials[d.CredentialsName]; ok && d.CredentialsName != "" {
		optFns = append(optFns, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cred.AccessKeyID, cred.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg)
	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("get s3 object %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	r := csv.NewReader(out.Body)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read s3 dataset header %s/%s: %w", bucket, key, err)
	}

	var rows []Row
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read s3 dataset row %s/%s: %w", bucket, key, err)
		}
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		rows = append(rows, row)
	}

	return &s3Connector{metadata: d.Metadata, rows: rows}, nil
}

func (c *s3Connector) Metadata() domain.Metadata { return c.metadata }

func (c *s3Connector) AsTabular(_ context.Context) ([]Row, error) {
	return c.rows, nil
}

func (c *s3Connector) Close() error { return nil }
