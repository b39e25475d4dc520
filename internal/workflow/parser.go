package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	xerrors "AgentFlow-Chain/internal/errors"
)

// Parse 将节点/边图转换为带拓扑顺序与总价的执行计划。
// 对相同的输入，输出的步骤顺序是确定的：可同时就绪的节点按照
// 其在原始节点数组中的下标先后排序。
func Parse(wf Workflow) (*ExecutionPlan, error) {
	if len(wf.Nodes) == 0 {
		return nil, graphError("工作流不包含任何节点")
	}

	// 节点 ID 到原始下标的映射，同时检查重复定义。ID 原样作键，
	// 与边引用保持一致。
	index := make(map[string]int, len(wf.Nodes))
	for i, node := range wf.Nodes {
		if strings.TrimSpace(node.ID) == "" {
			return nil, graphError("节点 ID 不能为空")
		}
		if _, ok := index[node.ID]; ok {
			return nil, graphError(fmt.Sprintf("节点 %s 重复定义", node.ID))
		}
		index[node.ID] = i
	}

	// 根据边构建依赖关系：inputs 记录指向每个节点的源节点集合。
	type edgeKey struct{ source, target string }
	seen := make(map[edgeKey]bool, len(wf.Edges))
	successors := make(map[string][]string, len(wf.Nodes))
	indegree := make(map[string]int, len(wf.Nodes))
	inputs := make(map[string][]string, len(wf.Nodes))
	for _, edge := range wf.Edges {
		if _, ok := index[edge.Source]; !ok {
			return nil, graphError(fmt.Sprintf("边 %s 引用了不存在的源节点 %s", edge.ID, edge.Source))
		}
		if _, ok := index[edge.Target]; !ok {
			return nil, graphError(fmt.Sprintf("边 %s 引用了不存在的目标节点 %s", edge.ID, edge.Target))
		}
		if edge.Source == edge.Target {
			return nil, graphError(fmt.Sprintf("节点 %s 不能依赖自身", edge.Source))
		}
		key := edgeKey{edge.Source, edge.Target}
		if seen[key] {
			continue
		}
		seen[key] = true
		successors[edge.Source] = append(successors[edge.Source], edge.Target)
		indegree[edge.Target]++
		inputs[edge.Target] = append(inputs[edge.Target], edge.Source)
	}

	// Kahn 拓扑排序，平局时取原始下标最小的节点。
	ready := make([]string, 0, len(wf.Nodes))
	for _, node := range wf.Nodes {
		if indegree[node.ID] == 0 {
			ready = append(ready, node.ID)
		}
	}

	order := make([]string, 0, len(wf.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			return index[ready[i]] < index[ready[j]]
		})
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		for _, next := range successors[current] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if len(order) != len(wf.Nodes) {
		return nil, graphError("工作流存在循环依赖")
	}

	steps := make([]ExecutionStep, 0, len(order))
	for i, id := range order {
		node := wf.Nodes[index[id]]
		stepInputs := append([]string(nil), inputs[id]...)
		sort.Strings(stepInputs)
		steps = append(steps, ExecutionStep{
			Order:        i + 1,
			NodeID:       node.ID,
			AgentName:    node.AgentName,
			AgentAddress: node.WalletAddress,
			Endpoint:     node.Endpoint,
			Price:        EffectivePrice(node.Price),
			Inputs:       stepInputs,
			Status:       StepPending,
		})
	}

	return &ExecutionPlan{
		TaskID:    uuid.NewString(),
		Steps:     steps,
		TotalCost: TotalCost(wf.Nodes),
	}, nil
}

func graphError(message string) error {
	return xerrors.New(CodeGraphInvalid, message)
}
