package loadbalance

import (
	"math/rand/v2"

	"vizrpc/registry"
)

type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(instances []registry.ServiceInstance, _ string) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	// 计算总权重，非正权重按 0 处理
	totalWeight := 0
	for _, v := range instances {
		totalWeight += max(v.Weight, 0)
	}
	if totalWeight == 0 {
		return &instances[rand.IntN(len(instances))], nil
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range instances {
		r -= max(instances[i].Weight, 0)
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
