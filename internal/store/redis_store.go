package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"origami_catalog/internal/model"

	"github.com/redis/go-redis/v9"
)

const (
	RedisPrefix = "origami_catalog" // default fallback
	FiguresKey  = ":figures"
	NamesKey    = ":names"
	ImagesKey   = ":images"

	maxTxRetries = 16
)

// RedisFigureStore implements FigureStorage using Redis.
//
// Layout:
//
//	<prefix>:figure:<id>  JSON document
//	<prefix>:figures      sorted set of ids scored by creation time
//	<prefix>:names        hash name -> id (uniqueness index)
//	<prefix>:images       hash image URL -> id (uniqueness index)
type RedisFigureStore struct {
	client *redis.Client
	prefix string
}

var _ FigureStorage = (*RedisFigureStore)(nil)

// NewRedisFigureStore creates a new RedisFigureStore
func NewRedisFigureStore(url, prefix string) (*RedisFigureStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	if prefix == "" {
		prefix = RedisPrefix
	}

	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close() //nolint:errcheck
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisFigureStore{
		client: client,
		prefix: prefix,
	}, nil
}

func (s *RedisFigureStore) figureKey(id string) string {
	return fmt.Sprintf("%s:figure:%s", s.prefix, id)
}

func (s *RedisFigureStore) Create(ctx context.Context, fig *model.Figure) error {
	candidate := *fig
	prepareNewFigure(&candidate, time.Now())

	// 名前と画像URLの一意性は HSETNX で確保
	ok, err := s.client.HSetNX(ctx, s.prefix+NamesKey, candidate.Name, candidate.ID).Result()
	if err != nil {
		return storageErr("failed to reserve name", err)
	}
	if !ok {
		return nameTaken(candidate.Name)
	}
	release := func() {
		s.client.HDel(ctx, s.prefix+NamesKey, candidate.Name) //nolint:errcheck
	}

	if candidate.HasImage() {
		ok, err := s.client.HSetNX(ctx, s.prefix+ImagesKey, candidate.ImageURL, candidate.ID).Result()
		if err != nil || !ok {
			release()
			if err != nil {
				return storageErr("failed to reserve image", err)
			}
			return imageTaken(candidate.ImageURL)
		}
		release = func() {
			s.client.HDel(ctx, s.prefix+NamesKey, candidate.Name)      //nolint:errcheck
			s.client.HDel(ctx, s.prefix+ImagesKey, candidate.ImageURL) //nolint:errcheck
		}
	}

	data, err := json.Marshal(&candidate)
	if err != nil {
		release()
		return storageErr("failed to marshal figure", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.figureKey(candidate.ID), data, 0)
	pipe.ZAdd(ctx, s.prefix+FiguresKey, redis.Z{
		Score:  float64(candidate.CreatedAt.UnixNano()),
		Member: candidate.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		release()
		return storageErr("failed to store figure", err)
	}

	*fig = candidate
	return nil
}

func (s *RedisFigureStore) Get(ctx context.Context, id string) (*model.Figure, error) {
	return s.get(ctx, s.client, id)
}

type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisFigureStore) get(ctx context.Context, c stringGetter, id string) (*model.Figure, error) {
	data, err := c.Get(ctx, s.figureKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, notFound(id)
		}
		return nil, storageErr("failed to get figure", err)
	}

	var fig model.Figure
	if err := json.Unmarshal(data, &fig); err != nil {
		return nil, storageErr("failed to unmarshal figure", err)
	}
	return &fig, nil
}

func (s *RedisFigureStore) List(ctx context.Context) ([]model.Figure, error) {
	ids, err := s.client.ZRange(ctx, s.prefix+FiguresKey, 0, -1).Result()
	if err != nil {
		return nil, storageErr("failed to list figure ids", err)
	}
	if len(ids) == 0 {
		return []model.Figure{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.figureKey(id)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, storageErr("failed to load figures", err)
	}

	figs := make([]model.Figure, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			// インデックスに残った削除済みIDは無視
			continue
		}
		var fig model.Figure
		if err := json.Unmarshal([]byte(str), &fig); err != nil {
			return nil, storageErr("failed to unmarshal figure", err)
		}
		figs = append(figs, fig)
	}
	sortFigures(figs)
	return figs, nil
}

func (s *RedisFigureStore) Update(ctx context.Context, fig *model.Figure) error {
	updated, err := s.modify(ctx, fig.ID, func(tx *redis.Tx, current *model.Figure) (func(redis.Pipeliner), error) {
		oldName := current.Name
		if fig.Name != oldName {
			owner, err := tx.HGet(ctx, s.prefix+NamesKey, fig.Name).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, storageErr("failed to check name", err)
			}
			if err == nil && owner != current.ID {
				return nil, nameTaken(fig.Name)
			}
		}

		applyUpdate(current, fig, time.Now())
		return func(pipe redis.Pipeliner) {
			if current.Name != oldName {
				pipe.HDel(ctx, s.prefix+NamesKey, oldName)
				pipe.HSet(ctx, s.prefix+NamesKey, current.Name, current.ID)
			}
		}, nil
	}, s.prefix+NamesKey)
	if err != nil {
		return err
	}

	*fig = *updated
	return nil
}

func (s *RedisFigureStore) SetImageURL(ctx context.Context, id, imageURL string) (string, error) {
	var previous string
	_, err := s.modify(ctx, id, func(tx *redis.Tx, current *model.Figure) (func(redis.Pipeliner), error) {
		if imageURL != "" {
			owner, err := tx.HGet(ctx, s.prefix+ImagesKey, imageURL).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return nil, storageErr("failed to check image", err)
			}
			if err == nil && owner != current.ID {
				return nil, imageTaken(imageURL)
			}
		}

		previous = current.ImageURL
		current.ImageURL = imageURL
		current.UpdatedAt = time.Now()
		return func(pipe redis.Pipeliner) {
			if previous != "" {
				pipe.HDel(ctx, s.prefix+ImagesKey, previous)
			}
			if imageURL != "" {
				pipe.HSet(ctx, s.prefix+ImagesKey, imageURL, current.ID)
			}
		}, nil
	}, s.prefix+ImagesKey)
	if err != nil {
		return "", err
	}
	return previous, nil
}

// testHookDeleteRead runs between reading and deleting a figure in Delete.
var testHookDeleteRead = func(id string) {}

// Delete watches the figure document so a concurrent rename or image change
// restarts the transaction instead of leaving stale index entries.
func (s *RedisFigureStore) Delete(ctx context.Context, id string) (*model.Figure, error) {
	key := s.figureKey(id)

	var deleted *model.Figure
	txf := func(tx *redis.Tx) error {
		fig, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		testHookDeleteRead(id)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.prefix+FiguresKey, id)
			pipe.HDel(ctx, s.prefix+NamesKey, fig.Name)
			if fig.HasImage() {
				pipe.HDel(ctx, s.prefix+ImagesKey, fig.ImageURL)
			}
			return nil
		})
		if err != nil {
			return err
		}
		deleted = fig
		return nil
	}

	if err := s.watchWithRetry(ctx, txf, "failed to delete figure", key); err != nil {
		return nil, err
	}
	return deleted, nil
}

// Close closes the redis client
func (s *RedisFigureStore) Close() error {
	return s.client.Close()
}

// modify runs an optimistic WATCH/MULTI transaction on one figure document.
// fn mutates current in place and may return extra commands for the same transaction.
func (s *RedisFigureStore) modify(
	ctx context.Context,
	id string,
	fn func(tx *redis.Tx, current *model.Figure) (func(redis.Pipeliner), error),
	extraWatch ...string,
) (*model.Figure, error) {
	key := s.figureKey(id)
	keys := append([]string{key}, extraWatch...)

	var result *model.Figure
	txf := func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}

		extra, err := fn(tx, current)
		if err != nil {
			return err
		}

		data, err := json.Marshal(current)
		if err != nil {
			return storageErr("failed to marshal figure", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if extra != nil {
				extra(pipe)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = current
		return nil
	}

	if err := s.watchWithRetry(ctx, txf, "failed to update figure", keys...); err != nil {
		return nil, err
	}
	return result, nil
}

// watchWithRetry runs txf under WATCH on keys, retrying when another client
// touched them first.
func (s *RedisFigureStore) watchWithRetry(ctx context.Context, txf func(*redis.Tx) error, message string, keys ...string) error {
	for range maxTxRetries {
		err := s.client.Watch(ctx, txf, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var typed *model.Error
		if errors.As(err, &typed) {
			return err
		}
		return storageErr(message, err)
	}
	return storageErr("too many concurrent updates", redis.TxFailedErr)
}

func storageErr(message string, err error) error {
	return model.NewStorageError(figureStage, message, err)
}
