// Package reliability 提供 Agent 调用的生产级执行保障：
// 重试退避策略、按 (agent, model) 维度的熔断器、降级模型路由、
// 以及跨所有尝试的总执行时限控制。
//
// Executor 是唯一组合这四个组件的地方，其他组件不得重复实现
// 跨模型的重试逻辑。
package reliability
