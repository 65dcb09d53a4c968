// Package dynamo provides a DynamoDB-backed graph.Backend.
//
// Entities live in one table keyed by entity ref. The reverse-dependency
// index and the reverse-reference index live in two sharded side tables, the
// latter so that rekeys can rewrite referring records without scanning the
// entity table. Change-sets apply as a single TransactWriteItems call;
// change-sets too large for one transaction are rejected with ErrTooLarge
// rather than applied piecemeal.
//
// Root refs are stored as "shapeID#storeKey" for GSI equality lookups, so
// shape IDs must not contain '#'.
package dynamo

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/espalier/graph"
	"github.com/jacentio/espalier/internal/fanout"
	"github.com/jacentio/espalier/internal/shard"
)

// maxTransactItems is DynamoDB's TransactWriteItems limit.
const maxTransactItems = 100

// ErrTooLarge is returned when a change-set needs more writes than one
// DynamoDB transaction allows. Splitting it would break the atomicity
// contract, so the caller must split along semantic boundaries instead.
var ErrTooLarge = errors.New("espalier/dynamo: change-set exceeds one transaction")

// Backend is a DynamoDB implementation of graph.Backend.
type Backend struct {
	client *dynamodb.Client
	config Config
	logger *slog.Logger
	hub    *fanout.Hub

	closeMu sync.RWMutex
	closed  bool
}

// New creates a DynamoDB backend. A nil logger falls back to slog.Default().
func New(client *dynamodb.Client, config Config, logger *slog.Logger) *Backend {
	config.validate()
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client: client,
		config: config,
		logger: logger,
		hub:    fanout.New(),
	}
}

func (b *Backend) checkOpen() error {
	b.closeMu.RLock()
	defer b.closeMu.RUnlock()
	if b.closed {
		return graph.ErrBackendClosed
	}
	return nil
}

func rootRefString(root graph.RootRef) string {
	return root.ShapeID + "#" + root.Key
}

// Get retrieves an entity record, returning graph.ErrNotFound if absent or
// tombstoned.
func (b *Backend) Get(ctx context.Context, key graph.EntityKey) (graph.NormalizedRecord, graph.EntityMeta, error) {
	if err := b.checkOpen(); err != nil {
		return nil, graph.EntityMeta{}, err
	}
	result, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(b.config.EntityTable),
		Key: map[string]types.AttributeValue{
			"ref": &types.AttributeValueMemberS{Value: key.Ref()},
		},
	})
	if err != nil {
		return nil, graph.EntityMeta{}, err
	}
	if result.Item == nil {
		return nil, graph.EntityMeta{}, graph.ErrNotFound
	}
	rec, meta, _, err := decodeItem(result.Item)
	if err != nil {
		return nil, graph.EntityMeta{}, err
	}
	if meta.Tombstone {
		return nil, graph.EntityMeta{}, graph.ErrNotFound
	}
	return rec, meta, nil
}

// stored is a pre-read entity used during transaction planning.
type stored struct {
	rec     graph.NormalizedRecord
	meta    graph.EntityMeta
	version int64
	exists  bool
}

func (b *Backend) preRead(ctx context.Context, key graph.EntityKey) (stored, error) {
	result, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.config.EntityTable),
		ConsistentRead: aws.Bool(true),
		Key: map[string]types.AttributeValue{
			"ref": &types.AttributeValueMemberS{Value: key.Ref()},
		},
	})
	if err != nil {
		return stored{}, err
	}
	if result.Item == nil {
		return stored{}, nil
	}
	rec, meta, version, err := decodeItem(result.Item)
	if err != nil {
		return stored{}, err
	}
	return stored{rec: rec, meta: meta, version: version, exists: true}, nil
}

// plan is a built transaction plus the item indices needed to map
// cancellation reasons back to sentinel errors.
type plan struct {
	items       []types.TransactWriteItem
	rekeyPutIdx map[int]struct{}
}

// Apply writes the change-set as one transaction and then publishes the
// affected roots. Etag preconditions and occupied rekey targets fail the
// whole transaction before anything is visible.
func (b *Backend) Apply(ctx context.Context, changes *graph.ChangeSet) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if changes.Empty() {
		return nil
	}

	p, err := b.plan(ctx, changes)
	if err != nil {
		return err
	}
	if len(p.items) > maxTransactItems {
		return ErrTooLarge
	}
	if len(p.items) > 0 {
		_, err = b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: p.items,
		})
		if err != nil {
			return b.mapTransactionError(err, p)
		}
	}

	b.publishAffected(ctx, changes.Keys())
	return nil
}

func (b *Backend) plan(ctx context.Context, changes *graph.ChangeSet) (*plan, error) {
	p := &plan{
		rekeyPutIdx: make(map[int]struct{}),
	}
	now := time.Now().UTC()

	// 1. Upserts. Masked writes merge against a consistent pre-read and are
	// guarded by a version condition, so a concurrent writer cancels the
	// transaction instead of losing fields.
	for key, rec := range changes.Upserts {
		current, err := b.preRead(ctx, key)
		if err != nil {
			return nil, err
		}

		mask := changes.FieldMasks[key]
		var base graph.NormalizedRecord
		if current.exists && !current.meta.Tombstone {
			base = current.rec
		}
		merged := base.Merge(rec, mask)
		// Upserts land before rekeys within the change-set, so their refs
		// must come out rewritten as well.
		for _, rk := range changes.Rekeys {
			merged, _ = merged.RewriteRefs(rk.Old, rk.New)
		}

		meta := current.meta
		if m, ok := changes.Meta[key]; ok {
			meta = m
		}
		meta.Tombstone = false
		meta.UpdatedAt = now

		item, err := entityItem(key, merged, meta, current.version+1)
		if err != nil {
			return nil, err
		}

		cond, names, values := writeCondition(current)
		if expected, ok := changes.ExpectETag[key]; ok {
			cond += " AND #etag = :expected_etag"
			names["#etag"] = "etag"
			values[":expected_etag"] = &types.AttributeValueMemberS{Value: expected}
		}
		p.items = append(p.items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:                 aws.String(b.config.EntityTable),
				Item:                      item,
				ConditionExpression:       aws.String(cond),
				ExpressionAttributeNames:  names,
				ExpressionAttributeValues: nonEmpty(values),
			},
		})
		b.planReferenceRows(p, key, merged)
	}

	// 2. Standalone etag checks for entities the change-set reads but does
	// not write.
	for key, expected := range changes.ExpectETag {
		if _, written := changes.Upserts[key]; written {
			continue
		}
		p.items = append(p.items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName: aws.String(b.config.EntityTable),
				Key: map[string]types.AttributeValue{
					"ref": &types.AttributeValueMemberS{Value: key.Ref()},
				},
				ConditionExpression:      aws.String("#etag = :expected_etag"),
				ExpressionAttributeNames: map[string]string{"#etag": "etag"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":expected_etag": &types.AttributeValueMemberS{Value: expected},
				},
			},
		})
	}

	// 3. Deletes become tombstones. Missing entities are skipped rather than
	// conditioned on, so a delete of an absent key cannot cancel the
	// transaction.
	for key := range changes.Deletes {
		current, err := b.preRead(ctx, key)
		if err != nil {
			return nil, err
		}
		if !current.exists {
			continue
		}
		p.items = append(p.items, types.TransactWriteItem{
			Update: &types.Update{
				TableName: aws.String(b.config.EntityTable),
				Key: map[string]types.AttributeValue{
					"ref": &types.AttributeValueMemberS{Value: key.Ref()},
				},
				UpdateExpression:    aws.String("SET #tombstone = :true, #version = #version + :one, #updated_at = :now"),
				ConditionExpression: aws.String("#version = :expected_version"),
				ExpressionAttributeNames: map[string]string{
					"#tombstone":  "tombstone",
					"#version":    "version",
					"#updated_at": "updated_at",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":true":             &types.AttributeValueMemberBOOL{Value: true},
					":one":              &types.AttributeValueMemberN{Value: "1"},
					":now":              &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
					":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.version, 10)},
				},
			},
		})
	}

	// 4. Rekeys: move the record, rewrite referrers, migrate dependency rows.
	for _, rk := range changes.Rekeys {
		if err := b.planRekey(ctx, p, changes, rk, now); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func writeCondition(current stored) (string, map[string]string, map[string]types.AttributeValue) {
	if !current.exists {
		return "attribute_not_exists(#ref)",
			map[string]string{"#ref": "ref"},
			map[string]types.AttributeValue{}
	}
	return "#version = :expected_version",
		map[string]string{"#version": "version"},
		map[string]types.AttributeValue{
			":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(current.version, 10)},
		}
}

// nonEmpty works around DynamoDB rejecting empty ExpressionAttributeValues.
func nonEmpty(values map[string]types.AttributeValue) map[string]types.AttributeValue {
	if len(values) == 0 {
		return nil
	}
	return values
}

// planReferenceRows records reverse references for every key the record
// points at. Rows for references the record no longer holds go stale; rekey
// rewriting tolerates them because the rewrite re-checks the live record.
func (b *Backend) planReferenceRows(p *plan, source graph.EntityKey, rec graph.NormalizedRecord) {
	seen := make(map[graph.EntityKey]struct{})
	for _, target := range rec.ReferencedKeys() {
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		p.items = append(p.items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(b.config.ReferenceTable),
				Item: map[string]types.AttributeValue{
					"pk":         &types.AttributeValueMemberS{Value: shard.ReferencePK(target.Ref(), source.Ref(), b.config.NumShards)},
					"source_ref": &types.AttributeValueMemberS{Value: source.Ref()},
					"target_ref": &types.AttributeValueMemberS{Value: target.Ref()},
				},
			},
		})
	}
}

func (b *Backend) planRekey(ctx context.Context, p *plan, changes *graph.ChangeSet, rk graph.Rekey, now time.Time) error {
	current, err := b.preRead(ctx, rk.Old)
	if err != nil {
		return err
	}

	if current.exists {
		if _, upserted := changes.Upserts[rk.New]; !upserted {
			meta := current.meta
			meta.UpdatedAt = now
			item, err := entityItem(rk.New, current.rec, meta, current.version+1)
			if err != nil {
				return err
			}
			p.rekeyPutIdx[len(p.items)] = struct{}{}
			p.items = append(p.items, types.TransactWriteItem{
				Put: &types.Put{
					TableName:                aws.String(b.config.EntityTable),
					Item:                     item,
					ConditionExpression:      aws.String("attribute_not_exists(#ref)"),
					ExpressionAttributeNames: map[string]string{"#ref": "ref"},
				},
			})
			b.planReferenceRows(p, rk.New, current.rec)
		}
		p.items = append(p.items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(b.config.EntityTable),
				Key: map[string]types.AttributeValue{
					"ref": &types.AttributeValueMemberS{Value: rk.Old.Ref()},
				},
			},
		})
	}

	// Rewrite every record that still references the old key.
	sources, err := b.referrersOf(ctx, rk.Old)
	if err != nil {
		return err
	}
	for _, sourceRef := range sources {
		source, err := graph.ParseRef(sourceRef)
		if err != nil {
			continue
		}
		if _, upserted := changes.Upserts[source]; upserted {
			continue // already rewritten in the upsert plan
		}
		if source == rk.Old {
			continue // self references moved with the record
		}
		referrer, err := b.preRead(ctx, source)
		if err != nil {
			return err
		}
		if !referrer.exists {
			continue // stale reference row
		}
		rewritten, changed := referrer.rec.RewriteRefs(rk.Old, rk.New)
		if !changed {
			continue // stale reference row
		}
		meta := referrer.meta
		meta.UpdatedAt = now
		item, err := entityItem(source, rewritten, meta, referrer.version+1)
		if err != nil {
			return err
		}
		p.items = append(p.items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(b.config.EntityTable),
				Item:                item,
				ConditionExpression: aws.String("#version = :expected_version"),
				ExpressionAttributeNames: map[string]string{
					"#version": "version",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":expected_version": &types.AttributeValueMemberN{Value: strconv.FormatInt(referrer.version, 10)},
				},
			},
		})
		b.planReferenceRows(p, source, rewritten)
	}

	// Migrate dependency rows so roots recorded against the old identity
	// keep receiving invalidations.
	rows, err := b.dependencyRows(ctx, rk.Old.Ref())
	if err != nil {
		return err
	}
	for _, row := range rows {
		p.items = append(p.items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(b.config.DependencyTable),
				Item: map[string]types.AttributeValue{
					"pk":         &types.AttributeValueMemberS{Value: shard.DependencyPK(rk.New.Ref(), row.rootRef, b.config.NumShards)},
					"root_ref":   &types.AttributeValueMemberS{Value: row.rootRef},
					"entity_ref": &types.AttributeValueMemberS{Value: rk.New.Ref()},
					"root_key":   &types.AttributeValueMemberS{Value: row.rootKey},
					"shape_id":   &types.AttributeValueMemberS{Value: row.shapeID},
				},
			},
		})
		p.items = append(p.items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(b.config.DependencyTable),
				Key: map[string]types.AttributeValue{
					"pk":       &types.AttributeValueMemberS{Value: row.pk},
					"root_ref": &types.AttributeValueMemberS{Value: row.rootRef},
				},
			},
		})
	}
	return nil
}

// referrersOf fans out across the reference table's shards for one target.
func (b *Backend) referrersOf(ctx context.Context, target graph.EntityKey) ([]string, error) {
	var mu sync.Mutex
	var sources []string
	seen := make(map[string]struct{})
	var wg sync.WaitGroup
	pks := shard.AllPKs(target.Ref(), b.config.NumShards)
	errs := make(chan error, len(pks))

	for _, pk := range pks {
		wg.Add(1)
		go func(pk string) {
			defer wg.Done()
			paginator := dynamodb.NewQueryPaginator(b.client, &dynamodb.QueryInput{
				TableName:              aws.String(b.config.ReferenceTable),
				KeyConditionExpression: aws.String("pk = :pk"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: pk},
				},
			})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				for _, item := range page.Items {
					if v, ok := item["source_ref"].(*types.AttributeValueMemberS); ok {
						if _, dup := seen[v.Value]; !dup {
							seen[v.Value] = struct{}{}
							sources = append(sources, v.Value)
						}
					}
				}
				mu.Unlock()
			}
		}(pk)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return sources, nil
}

// depRow is one dependency-index row.
type depRow struct {
	pk      string
	rootRef string
	rootKey string
	shapeID string
}

// dependencyRows fans out across the dependency table's shards for one
// entity.
func (b *Backend) dependencyRows(ctx context.Context, entityRef string) ([]depRow, error) {
	var mu sync.Mutex
	var rows []depRow
	var wg sync.WaitGroup
	pks := shard.AllPKs(entityRef, b.config.NumShards)
	errs := make(chan error, len(pks))

	for _, pk := range pks {
		wg.Add(1)
		go func(pk string) {
			defer wg.Done()
			paginator := dynamodb.NewQueryPaginator(b.client, &dynamodb.QueryInput{
				TableName:              aws.String(b.config.DependencyTable),
				KeyConditionExpression: aws.String("pk = :pk"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":pk": &types.AttributeValueMemberS{Value: pk},
				},
			})
			for paginator.HasMorePages() {
				page, err := paginator.NextPage(ctx)
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				for _, item := range page.Items {
					rows = append(rows, unmarshalDepRow(item))
				}
				mu.Unlock()
			}
		}(pk)
	}

	go func() {
		wg.Wait()
		close(errs)
	}()

	for err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func unmarshalDepRow(item map[string]types.AttributeValue) depRow {
	var row depRow
	if v, ok := item["pk"].(*types.AttributeValueMemberS); ok {
		row.pk = v.Value
	}
	if v, ok := item["root_ref"].(*types.AttributeValueMemberS); ok {
		row.rootRef = v.Value
	}
	if v, ok := item["root_key"].(*types.AttributeValueMemberS); ok {
		row.rootKey = v.Value
	}
	if v, ok := item["shape_id"].(*types.AttributeValueMemberS); ok {
		row.shapeID = v.Value
	}
	return row
}

// mapTransactionError maps a cancelled transaction back to sentinel errors
// using the planned item classes.
func (b *Backend) mapTransactionError(err error, p *plan) error {
	var txErr *types.TransactionCanceledException
	if errors.As(err, &txErr) {
		for i, reason := range txErr.CancellationReasons {
			if reason.Code == nil || *reason.Code != "ConditionalCheckFailed" {
				continue
			}
			if _, ok := p.rekeyPutIdx[i]; ok {
				return graph.ErrRekeyConflict
			}
			// Etag preconditions and version guards both mean the entity
			// moved underneath us.
			return graph.ErrConcurrentModification
		}
	}
	return err
}

// UpdateRootDependencies replaces the dependency rows for root in one
// transaction: stale rows are deleted, new rows written.
func (b *Backend) UpdateRootDependencies(ctx context.Context, root graph.RootRef, entities []graph.EntityKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	rootRef := rootRefString(root)

	existing, err := b.rowsByRoot(ctx, rootRef)
	if err != nil {
		return err
	}

	next := make(map[string]struct{}, len(entities))
	for _, key := range entities {
		next[key.Ref()] = struct{}{}
	}

	var items []types.TransactWriteItem
	for _, row := range existing {
		if _, keep := next[row.entityRef]; keep {
			delete(next, row.entityRef)
			continue
		}
		items = append(items, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(b.config.DependencyTable),
				Key: map[string]types.AttributeValue{
					"pk":       &types.AttributeValueMemberS{Value: row.pk},
					"root_ref": &types.AttributeValueMemberS{Value: row.rootRef},
				},
			},
		})
	}
	for entityRef := range next {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(b.config.DependencyTable),
				Item: map[string]types.AttributeValue{
					"pk":         &types.AttributeValueMemberS{Value: shard.DependencyPK(entityRef, rootRef, b.config.NumShards)},
					"root_ref":   &types.AttributeValueMemberS{Value: rootRef},
					"entity_ref": &types.AttributeValueMemberS{Value: entityRef},
					"root_key":   &types.AttributeValueMemberS{Value: root.Key},
					"shape_id":   &types.AttributeValueMemberS{Value: root.ShapeID},
				},
			},
		})
	}

	if len(items) == 0 {
		return nil
	}
	if len(items) > maxTransactItems {
		return ErrTooLarge
	}
	_, err = b.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	return err
}

// RemoveRootDependencies drops every dependency row for root.
func (b *Backend) RemoveRootDependencies(ctx context.Context, root graph.RootRef) error {
	return b.UpdateRootDependencies(ctx, root, nil)
}

type rootRow struct {
	pk        string
	rootRef   string
	entityRef string
}

// rowsByRoot queries the by-root GSI for a root's current dependency rows.
func (b *Backend) rowsByRoot(ctx context.Context, rootRef string) ([]rootRow, error) {
	var rows []rootRow
	paginator := dynamodb.NewQueryPaginator(b.client, &dynamodb.QueryInput{
		TableName:              aws.String(b.config.DependencyTable),
		IndexName:              aws.String(b.config.ByRootIndex),
		KeyConditionExpression: aws.String("root_ref = :root"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":root": &types.AttributeValueMemberS{Value: rootRef},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			var row rootRow
			if v, ok := item["pk"].(*types.AttributeValueMemberS); ok {
				row.pk = v.Value
			}
			if v, ok := item["root_ref"].(*types.AttributeValueMemberS); ok {
				row.rootRef = v.Value
			}
			if v, ok := item["entity_ref"].(*types.AttributeValueMemberS); ok {
				row.entityRef = v.Value
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// AffectedRoots returns the roots whose dependency rows intersect the given
// keys.
func (b *Backend) AffectedRoots(ctx context.Context, entities []graph.EntityKey) ([]graph.RootRef, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	seen := make(map[graph.RootRef]struct{})
	var roots []graph.RootRef
	for _, key := range entities {
		rows, err := b.dependencyRows(ctx, key.Ref())
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			root := graph.RootRef{Key: row.rootKey, ShapeID: row.shapeID}
			if _, dup := seen[root]; dup {
				continue
			}
			seen[root] = struct{}{}
			roots = append(roots, root)
		}
	}
	return roots, nil
}

// publishAffected computes the invalidation fan-out and broadcasts it. A
// fan-out failure after a successful apply is logged and dropped; the write
// itself already committed.
func (b *Backend) publishAffected(ctx context.Context, keys []graph.EntityKey) {
	roots, err := b.AffectedRoots(ctx, keys)
	if err != nil {
		b.logger.Warn("dependency fan-out failed, invalidation dropped",
			"changedKeys", len(keys),
			"error", err,
		)
		return
	}
	if len(roots) > 0 {
		b.hub.Publish(graph.NewRootSet(roots...))
	}
}

// Invalidate publishes an invalidation for externally observed changes (e.g.
// the DynamoDB Streams bridge). With no keys it publishes the
// recompose-everything sentinel.
func (b *Backend) Invalidate(ctx context.Context, entities []graph.EntityKey) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if len(entities) == 0 {
		b.hub.Publish(graph.RootSet{})
		return nil
	}
	roots, err := b.AffectedRoots(ctx, entities)
	if err != nil {
		return err
	}
	if len(roots) > 0 {
		b.hub.Publish(graph.NewRootSet(roots...))
	}
	return nil
}

// Subscribe registers a conflated invalidation receiver.
func (b *Backend) Subscribe() (<-chan graph.RootSet, func()) {
	return b.hub.Subscribe()
}

// Close shuts the backend down and closes all subscriptions.
func (b *Backend) Close() error {
	b.closeMu.Lock()
	if b.closed {
		b.closeMu.Unlock()
		return nil
	}
	b.closed = true
	b.closeMu.Unlock()
	b.hub.Close()
	return nil
}
