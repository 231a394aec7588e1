// 包 resolve：把存储中的扁平记录解析为带关联的实体图
// 背景：每个请求做一次同步解析：根记录获取，随后是有界的关联获取扇出；兄弟关联并发执行，全部完成后才构造实体。
// 约束：关联只展开一层，由显式 depth 参数控制（根为 1，嵌入实体为 0），不使用任何共享的递归标记。
package resolve

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"golang.org/x/sync/errgroup"

	"postcode-api/internal/areatypes"
	"postcode-api/internal/boundary"
	"postcode-api/internal/logger"
	"postcode-api/internal/metrics"
	"postcode-api/internal/store"
)

// 区域代码形态：一个字母加 8 位数字
var areaCodeRE = regexp.MustCompile(`^[A-Z][0-9]{8}$`)

func IsAreaCode(s string) bool { return areaCodeRE.MatchString(s) }

const (
	// 最近邮编可信的最大距离，同时是就近查询半径的上限
	DefaultMaxDistance = 10000.0
	DefaultFanout      = 8
	DefaultExamples    = 5

	nearestPlacesCount    = 10
	nearestPostcodesCount = 5
	childrenLimit         = 100
)

// Options：解析参数，零值取默认
type Options struct {
	Fanout      int
	MaxDistance float64
	Types       *areatypes.Table
}

// Resolver：关联解析器
// 约束：自身无请求间可变状态，可被多个请求并发使用
type Resolver struct {
	store       store.Backend
	bounds      boundary.Store
	types       *areatypes.Table
	fanout      int
	maxDistance float64
}

// New：bounds 可为 nil，表示没有边界数据
func New(backend store.Backend, bounds boundary.Store, opts Options) *Resolver {
	r := &Resolver{
		store:       backend,
		bounds:      bounds,
		types:       opts.Types,
		fanout:      opts.Fanout,
		maxDistance: opts.MaxDistance,
	}
	if r.types == nil {
		r.types = areatypes.Default()
	}
	if r.fanout <= 0 {
		r.fanout = DefaultFanout
	}
	if r.maxDistance <= 0 {
		r.maxDistance = DefaultMaxDistance
	}
	return r
}

// MaxDistance：覆盖上限（米）
func (r *Resolver) MaxDistance() float64 { return r.maxDistance }

// Types：区域类型表
func (r *Resolver) Types() *areatypes.Table { return r.types }

// ClampRadius：调用方给出的半径超过上限时截断，非正数取上限
func (r *Resolver) ClampRadius(m float64) float64 {
	if m <= 0 || m > r.maxDistance {
		return r.maxDistance
	}
	return m
}

// fanout：一次兄弟关联获取的并发组
// 约束：任务内部自行吸收关联失败，Wait 只用于汇合；每个任务只写自己的结果变量
type fanout struct {
	g     errgroup.Group
	start time.Time
	name  string
}

func (r *Resolver) newFanout(name string) *fanout {
	f := &fanout{start: time.Now(), name: name}
	f.g.SetLimit(r.fanout)
	return f
}

func (f *fanout) Go(fn func()) {
	f.g.Go(func() error {
		fn()
		return nil
	})
}

func (f *fanout) Wait() {
	_ = f.g.Wait()
	metrics.FanoutDurationMs.WithLabelValues(f.name).Observe(float64(time.Since(f.start).Milliseconds()))
}

// get：根记录获取，基础设施错误包装后上抛，由请求出口统一记录
func (r *Resolver) get(ctx context.Context, c store.Collection, id string, exclude ...string) (store.Doc, error) {
	doc, err := r.store.Get(ctx, c, id, exclude...)
	if err != nil {
		return store.Doc{}, fmt.Errorf("get %s %s: %w", c, id, err)
	}
	return doc, nil
}

// related：关联记录获取，失败被吸收为未找到
func (r *Resolver) related(ctx context.Context, rel string, c store.Collection, id string, exclude ...string) (store.Doc, bool) {
	doc, err := r.store.Get(ctx, c, id, exclude...)
	switch {
	case err != nil:
		metrics.RelationshipFetchesTotal.WithLabelValues(rel, "error").Inc()
		logger.FromContext(ctx).Warn("relationship_fetch_failed", "relationship", rel, "collection", string(c), "id", id, "err", err)
		return store.Doc{}, false
	case !doc.Found:
		metrics.RelationshipFetchesTotal.WithLabelValues(rel, "missing").Inc()
		logger.FromContext(ctx).Debug("relationship_not_found", "relationship", rel, "collection", string(c), "id", id)
		return doc, false
	}
	metrics.RelationshipFetchesTotal.WithLabelValues(rel, "found").Inc()
	return doc, true
}

// search：关联检索，失败被吸收为空结果
func (r *Resolver) search(ctx context.Context, rel string, req store.Request) store.Result {
	res, err := r.store.Search(ctx, req)
	if err != nil {
		metrics.RelationshipFetchesTotal.WithLabelValues(rel, "error").Inc()
		logger.FromContext(ctx).Warn("relationship_search_failed", "relationship", rel, "err", err)
		return store.Result{}
	}
	metrics.RelationshipFetchesTotal.WithLabelValues(rel, "found").Inc()
	return res
}
