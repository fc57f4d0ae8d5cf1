package anthropic

// BuildCachedSystemBlocks wraps a system prompt in a single block with a
// 1-hour cache TTL. A role reuses its system prompt across every call in
// a run, so the first call writes the cache and the rest read it; batch
// submissions ride the same entry once a sequential warm call has
// written it.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}
