package provider

import (
	"strings"
)

// DefaultPrompt is the analysis instruction sent ahead of every chunk.
// The chunk text replaces the {{records}} placeholder.
const DefaultPrompt = `请分析以下设备聊天记录，提取下列信息并以 JSON 对象返回：
1. hot_words：热词列表，按出现频率从高到低，例如 ["词1", "词2"]；没有则返回 []
2. mood：用一句话概括说话人的心情；没有则返回 "无"
3. health：提到的身体部位及问题，例如 ["部位: 问题"]；没有则返回 []
4. economic：用一句话概括经济状况；没有则返回 "无"
5. shopping_needs：潜在的购物需求列表，例如 ["需求1", "需求2"]；没有则返回 []

要求：
- 只记录聊天中明确提到的信息，不要推测
- 只返回这五个字段，不要添加其他字段，也不要输出 JSON 以外的文字

聊天记录：
{{records}}`

const recordsPlaceholder = "{{records}}"

// BuildPrompt renders tmpl for one chunk. A template without the placeholder gets the
// chunk appended on its own paragraph.
func BuildPrompt(tmpl, chunk string) string {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultPrompt
	}
	if strings.Contains(tmpl, recordsPlaceholder) {
		return strings.Replace(tmpl, recordsPlaceholder, chunk, 1)
	}
	return strings.TrimRight(tmpl, "\n") + "\n\n" + chunk
}
