package messages

import (
	"sort"

	"chatsync/internal/models"
)

// upsert merges msgs into list by id, keeping list ordered by (createdAt, id).
func upsert(list []models.Message, msgs ...models.Message) []models.Message {
	for _, m := range msgs {
		if i := indexOf(list, m.ID); i >= 0 {
			list = append(list[:i], list[i+1:]...)
		}
		pos := sort.Search(len(list), func(i int) bool { return m.Before(list[i]) })
		list = append(list, models.Message{})
		copy(list[pos+1:], list[pos:])
		list[pos] = m
	}
	return list
}

func indexOf(list []models.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func remove(list []models.Message, id string) ([]models.Message, bool) {
	i := indexOf(list, id)
	if i < 0 {
		return list, false
	}
	return append(list[:i], list[i+1:]...), true
}

func reverse(list []models.Message) {
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}
