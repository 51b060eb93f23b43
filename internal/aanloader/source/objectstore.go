package source

import (
	"context"
	"io"
	"net"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-zglob"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/aanproject/aanloader/internal/aanloader/configuration"
)

// ObjectStoreSource serves reports from an S3 compatible bucket. Identifiers are object keys.
// Archiving copies the object under the archive prefix before removing it.
type ObjectStoreSource struct {
	client           *minio.Client
	bucket           string
	prefix           string
	archivePrefix    string
	quarantinePrefix string
	pattern          string
	deleteLoaded     bool
}

func NewObjectStoreSource(config configuration.ObjectStoreConfig, pattern string, deleteLoaded bool) (*ObjectStoreSource, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure:    config.UseSSL,
		Region:    config.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "creating object store client for %s", config.Endpoint)
	}
	return &ObjectStoreSource{
		client:           client,
		bucket:           config.Bucket,
		prefix:           config.Prefix,
		archivePrefix:    config.ArchivePrefix,
		quarantinePrefix: config.QuarantinePrefix,
		pattern:          pattern,
		deleteLoaded:     deleteLoaded,
	}, nil
}

func (s *ObjectStoreSource) Pending(ctx context.Context) ([]string, error) {
	var keys []string
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, errors.Wrapf(object.Err, "listing %s/%s", s.bucket, s.prefix)
		}
		if s.isMovedAside(object.Key) {
			continue
		}
		matched, err := zglob.Match(s.pattern, path.Base(object.Key))
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if matched {
			keys = append(keys, object.Key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *ObjectStoreSource) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s/%s", s.bucket, id)
	}
	return object, nil
}

func (s *ObjectStoreSource) Archive(ctx context.Context, id string) error {
	if !s.deleteLoaded {
		dst := s.movedKey(s.archivePrefix, id)
		log.Debugf("Copying loaded report %s/%s to %s", s.bucket, id, dst)
		if err := s.copy(ctx, id, dst); err != nil {
			return errors.Wrapf(err, "archiving %s/%s", s.bucket, id)
		}
	}
	return s.remove(ctx, id)
}

func (s *ObjectStoreSource) Quarantine(ctx context.Context, id string) error {
	if s.quarantinePrefix == "" {
		return nil
	}
	dst := s.movedKey(s.quarantinePrefix, id)
	log.Infof("Moving malformed report %s/%s to %s", s.bucket, id, dst)
	if err := s.copy(ctx, id, dst); err != nil {
		return errors.Wrapf(err, "quarantining %s/%s", s.bucket, id)
	}
	return s.remove(ctx, id)
}

func (s *ObjectStoreSource) copy(ctx context.Context, src, dst string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: s.bucket, Object: src})
	return err
}

func (s *ObjectStoreSource) remove(ctx context.Context, id string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, id, minio.RemoveObjectOptions{}); err != nil {
		return errors.Wrapf(err, "removing %s/%s", s.bucket, id)
	}
	return nil
}

// movedKey keeps the key's path below the pending prefix.
func (s *ObjectStoreSource) movedKey(prefix, id string) string {
	return prefix + strings.TrimPrefix(id, s.prefix)
}

// Archive and quarantine prefixes nested under the pending prefix must not be listed again.
func (s *ObjectStoreSource) isMovedAside(key string) bool {
	return (s.archivePrefix != "" && strings.HasPrefix(key, s.archivePrefix)) ||
		(s.quarantinePrefix != "" && strings.HasPrefix(key, s.quarantinePrefix))
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
