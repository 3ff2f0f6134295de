package route

// 谓词名称
const (
	PredicatePath       = "Path"
	PredicateMethod     = "Method"
	PredicateHeader     = "Header"
	PredicateQuery      = "Query"
	PredicateHost       = "Host"
	PredicateCookie     = "Cookie"
	PredicateAfter      = "After"
	PredicateBefore     = "Before"
	PredicateBetween    = "Between"
	PredicateRemoteAddr = "RemoteAddr"
)

// 过滤器名称
const (
	FilterCircuitBreaker       = "CircuitBreaker"
	FilterRetry                = "Retry"
	FilterStripPrefix          = "StripPrefix"
	FilterPrefixPath           = "PrefixPath"
	FilterSetPath              = "SetPath"
	FilterRewritePath          = "RewritePath"
	FilterAddRequestHeader     = "AddRequestHeader"
	FilterSetRequestHeader     = "SetRequestHeader"
	FilterRemoveRequestHeader  = "RemoveRequestHeader"
	FilterAddResponseHeader    = "AddResponseHeader"
	FilterSetResponseHeader    = "SetResponseHeader"
	FilterRemoveResponseHeader = "RemoveResponseHeader"
	FilterAddRequestParameter  = "AddRequestParameter"
	FilterPreserveHostHeader   = "PreserveHostHeader"
	FilterRequestRateLimiter   = "RequestRateLimiter"
)

// shortcut 描述简写形式中位置参数对应的参数名
//
// gather 为 true 时整个值作为第一个参数，逗号保留（列表型参数）。
type shortcut struct {
	fields []string
	gather bool
}

var predicateShortcuts = map[string]shortcut{
	PredicatePath:       {fields: []string{"patterns"}, gather: true},
	PredicateMethod:     {fields: []string{"methods"}, gather: true},
	PredicateHeader:     {fields: []string{"header", "regexp"}},
	PredicateQuery:      {fields: []string{"param", "regexp"}},
	PredicateHost:       {fields: []string{"patterns"}, gather: true},
	PredicateCookie:     {fields: []string{"name", "regexp"}},
	PredicateAfter:      {fields: []string{"datetime"}},
	PredicateBefore:     {fields: []string{"datetime"}},
	PredicateBetween:    {fields: []string{"datetime1", "datetime2"}},
	PredicateRemoteAddr: {fields: []string{"sources"}, gather: true},
}

var filterShortcuts = map[string]shortcut{
	FilterCircuitBreaker:       {fields: []string{"name"}},
	FilterRetry:                {fields: []string{"retries"}},
	FilterStripPrefix:          {fields: []string{"parts"}},
	FilterPrefixPath:           {fields: []string{"prefix"}},
	FilterSetPath:              {fields: []string{"template"}},
	FilterRewritePath:          {fields: []string{"regexp", "replacement"}},
	FilterAddRequestHeader:     {fields: []string{"name", "value"}},
	FilterSetRequestHeader:     {fields: []string{"name", "value"}},
	FilterRemoveRequestHeader:  {fields: []string{"name"}},
	FilterAddResponseHeader:    {fields: []string{"name", "value"}},
	FilterSetResponseHeader:    {fields: []string{"name", "value"}},
	FilterRemoveResponseHeader: {fields: []string{"name"}},
	FilterAddRequestParameter:  {fields: []string{"name", "value"}},
	FilterPreserveHostHeader:   {},
	FilterRequestRateLimiter:   {fields: []string{"replenish_rate", "burst_capacity"}},
}

// IsSupportedPredicate 判断谓词名称是否受支持
func IsSupportedPredicate(name string) bool {
	_, ok := predicateShortcuts[name]
	return ok
}

// IsSupportedFilter 判断过滤器名称是否受支持
func IsSupportedFilter(name string) bool {
	_, ok := filterShortcuts[name]
	return ok
}
