// Package config 提供 agentrun 的配置加载。
//
// 配置按「默认值 → YAML 文件 → 环境变量」的优先级合并，Load 返回的
// Config 是一次性快照：执行器在注册时将其转换为 reliability / budget
// 的不可变配置值，之后对文件或环境变量的修改不影响已注册的执行器。
package config
