package model

// NetworkContext 请求方网络信息，创建和验签时都会记录
type NetworkContext struct {
	IP        string `json:"ip"`
	UserAgent string `json:"user_agent"`
}
