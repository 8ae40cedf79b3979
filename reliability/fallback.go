package reliability

// FallbackChain 降级模型链：主模型加有序降级模型列表（去重、保序），
// 外加一个游标。每次可靠性执行创建一个新实例，执行结束即丢弃。
// 纯顺序推进，不包含任何重试逻辑。
type FallbackChain struct {
	models []string
	cursor int
}

// NewFallbackChain 创建降级链。models = [primary] + fallbacks，去重保序。
func NewFallbackChain(primary string, fallbacks ...string) *FallbackChain {
	seen := make(map[string]bool, len(fallbacks)+1)
	models := make([]string, 0, len(fallbacks)+1)
	for _, m := range append([]string{primary}, fallbacks...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		models = append(models, m)
	}
	return &FallbackChain{models: models}
}

// Models 返回链上的全部模型（去重后）
func (c *FallbackChain) Models() []string {
	out := make([]string, len(c.models))
	copy(out, c.models)
	return out
}

// Current 返回游标指向的当前模型；链已耗尽时返回空字符串。
func (c *FallbackChain) Current() string {
	if c.cursor >= len(c.models) {
		return ""
	}
	return c.models[c.cursor]
}

// Advance 推进游标并返回新的当前模型；越过末尾时返回 ("", false)。
func (c *FallbackChain) Advance() (string, bool) {
	c.cursor++
	if c.cursor >= len(c.models) {
		return "", false
	}
	return c.models[c.cursor], true
}

// Exhausted 游标是否已越过末尾
func (c *FallbackChain) Exhausted() bool {
	return c.cursor >= len(c.models)
}

// HasMore 当前模型之后是否还有降级模型
func (c *FallbackChain) HasMore() bool {
	return c.cursor < len(c.models)-1
}
