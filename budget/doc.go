// Package budget 提供 token 与成本预算管理:按 agent 维护分钟/天级
// 滚动窗口计数,超限时在下一次调用前拒绝执行,并支持阈值告警回调。
package budget
